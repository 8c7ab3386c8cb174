package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mediahub/internal/app"
	"mediahub/internal/auth"
	"mediahub/internal/library"
	"mediahub/internal/persist"
	"mediahub/pkg/models"
	"mediahub/pkg/utils"
)

var errUsage = errors.New("usage")

func main() {
	global := flag.NewFlagSet("mediahub", flag.ExitOnError)
	apiURL := global.String("api", "", "API base URL (overrides MEDIAHUB_API_URL)")
	dataDir := global.String("data", "", "data directory (overrides MEDIAHUB_DATA_DIR)")
	if err := global.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	args := global.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if err := utils.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := utils.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		log.Fatalf("open library: %v", err)
	}

	cmd := args[0]
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	rest := []string{}
	if len(args) > 2 {
		rest = args[2:]
	}

	switch cmd {
	case "auth":
		err = handleAuth(ctx, a, sub, rest)
	case "plan":
		err = handlePlan(ctx, a, sub, rest)
	case "library":
		err = handleLibrary(a, sub, rest)
	case "lists":
		err = handleLists(a, sub, rest)
	case "sync":
		err = handleSync(ctx, a, sub)
	case "legacy":
		err = handleLegacy(a, sub, rest)
	default:
		err = errUsage
	}

	closeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil {
		log.Printf("close library: %v", cerr)
	}

	if errors.Is(err, errUsage) {
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func handleAuth(ctx context.Context, a *app.App, sub string, args []string) error {
	switch sub {
	case "login":
		fs := flag.NewFlagSet("auth login", flag.ExitOnError)
		email := fs.String("email", "", "email address")
		password := fs.String("password", "", "password")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			return errors.New("email and password are required")
		}

		resp, err := a.Client.Login(ctx, *email, *password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := a.SignIn(ctx, resp); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		fmt.Printf("✅ logged in as %s (%d items)\n", resp.User.Username, a.Store.Len())
	case "register":
		fs := flag.NewFlagSet("auth register", flag.ExitOnError)
		username := fs.String("username", "", "username")
		email := fs.String("email", "", "email address")
		password := fs.String("password", "", "password")
		_ = fs.Parse(args)
		if *username == "" || *email == "" || *password == "" {
			return errors.New("username, email, and password are required")
		}

		resp, err := a.Client.Register(ctx, *username, *email, *password)
		if err != nil {
			return fmt.Errorf("register failed: %w", err)
		}
		if err := a.SignIn(ctx, resp); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		fmt.Println("✅ registered and logged in")
	case "logout":
		fs := flag.NewFlagSet("auth logout", flag.ExitOnError)
		keep := fs.Bool("keep", false, "keep the local library aside instead of deleting it")
		everywhere := fs.Bool("everywhere", false, "revoke the session on every device")
		_ = fs.Parse(args)

		if *everywhere {
			if c, err := a.Authed(); err == nil {
				if err := c.Logout(ctx); err != nil {
					log.Printf("revoke session: %v", err)
				}
			}
		}
		if err := a.SignOut(ctx, *keep); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("✅ logged out")
	case "whoami":
		sess, ok := a.Session()
		if !ok {
			return auth.ErrNoSession
		}
		printJSON(map[string]any{
			"user_id":    sess.UserID,
			"username":   sess.Username,
			"email":      sess.Email,
			"tier":       sess.Tier,
			"expires_at": sess.ExpiresAt,
		})
	default:
		return errUsage
	}
	return nil
}

func handlePlan(ctx context.Context, a *app.App, sub string, args []string) error {
	c, err := a.Authed()
	if err != nil {
		return err
	}
	switch sub {
	case "show":
		u, err := c.Me(ctx)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		if err := a.SetTier(u.Tier); err != nil {
			return err
		}
		fmt.Printf("plan: %s, %d more custom lists allowed\n", u.Tier, a.Lists.Remaining())
	case "set":
		fs := flag.NewFlagSet("plan set", flag.ExitOnError)
		tier := fs.String("tier", "", "free or pro")
		_ = fs.Parse(args)
		if *tier == "" {
			return errors.New("tier is required")
		}
		u, err := c.SetPlan(ctx, models.Tier(*tier))
		if err != nil {
			return fmt.Errorf("change plan: %w", err)
		}
		if err := a.SetTier(u.Tier); err != nil {
			return err
		}
		fmt.Printf("✅ plan is now %s\n", u.Tier)
	default:
		return errUsage
	}
	return nil
}

type itemFlags struct {
	id        *int64
	mediaType *string
}

func addItemFlags(fs *flag.FlagSet) itemFlags {
	return itemFlags{
		id:        fs.Int64("id", 0, "provider id"),
		mediaType: fs.String("type", "movie", "media type (movie|tv)"),
	}
}

func (f itemFlags) key() (models.Key, error) {
	mt, ok := models.ParseMediaType(*f.mediaType)
	if !ok {
		return models.Key{}, fmt.Errorf("unknown media type %q", *f.mediaType)
	}
	k := models.NewKey(*f.id, mt)
	if !k.Valid() {
		return models.Key{}, errors.New("a positive -id is required")
	}
	return k, nil
}

func handleLibrary(a *app.App, sub string, args []string) error {
	switch sub {
	case "add":
		fs := flag.NewFlagSet("library add", flag.ExitOnError)
		item := addItemFlags(fs)
		title := fs.String("title", "", "title")
		list := fs.String("list", "", "target list; defaults to the selected custom list")
		year := fs.Int("year", 0, "release year")
		poster := fs.String("poster", "", "poster url")
		_ = fs.Parse(args)

		k, err := item.key()
		if err != nil {
			return err
		}
		target, err := targetList(a, *list)
		if err != nil {
			return err
		}
		prev, _ := a.Store.Entry(k.ID, k.MediaType)
		it := models.Item{ID: k.ID, MediaType: k.MediaType, Title: *title, Year: *year, PosterURL: *poster}
		if *title == "" && prev.Item.Title != "" {
			it = prev.Item
		}
		e, err := a.Store.Upsert(it, target)
		if err != nil {
			return err
		}
		printJSON(e)
	case "move":
		fs := flag.NewFlagSet("library move", flag.ExitOnError)
		item := addItemFlags(fs)
		list := fs.String("list", "", "target list")
		_ = fs.Parse(args)

		k, err := item.key()
		if err != nil {
			return err
		}
		target, err := resolveList(a, *list)
		if err != nil {
			return err
		}
		if !a.Store.Move(k.ID, k.MediaType, target) {
			fmt.Println("nothing to move")
			return nil
		}
		fmt.Printf("✅ moved %s to %s\n", k, target)
	case "remove":
		fs := flag.NewFlagSet("library remove", flag.ExitOnError)
		item := addItemFlags(fs)
		_ = fs.Parse(args)

		k, err := item.key()
		if err != nil {
			return err
		}
		if !a.Store.Remove(k.ID, k.MediaType) {
			fmt.Println("not in the library")
			return nil
		}
		fmt.Printf("✅ removed %s\n", k)
	case "edit":
		fs := flag.NewFlagSet("library edit", flag.ExitOnError)
		item := addItemFlags(fs)
		rating := fs.Float64("rating", -1, "your rating 0-10, 0 clears")
		notes := fs.String("notes", "\x00", "notes")
		tags := fs.String("tags", "\x00", "comma separated tags")
		_ = fs.Parse(args)

		k, err := item.key()
		if err != nil {
			return err
		}
		var patch models.ItemPatch
		if *rating >= 0 {
			patch.UserRating = rating
		}
		if *notes != "\x00" {
			patch.Notes = notes
		}
		if *tags != "\x00" {
			t := splitTags(*tags)
			patch.Tags = &t
		}
		if !a.Store.Edit(k.ID, k.MediaType, patch) {
			fmt.Println("not in the library")
			return nil
		}
		e, _ := a.Store.Entry(k.ID, k.MediaType)
		printJSON(e)
	case "show":
		fs := flag.NewFlagSet("library show", flag.ExitOnError)
		item := addItemFlags(fs)
		_ = fs.Parse(args)

		k, err := item.key()
		if err != nil {
			return err
		}
		printJSON(a.Query.MembershipInfo(k.ID, k.MediaType))
	case "list":
		fs := flag.NewFlagSet("library list", flag.ExitOnError)
		list := fs.String("list", "", "list to show; empty shows everything")
		order := fs.String("sort", string(library.SortAddedDesc), "added|updated|title|rating")
		_ = fs.Parse(args)

		var name models.ListName
		if *list != "" {
			var err error
			if name, err = resolveList(a, *list); err != nil {
				return err
			}
		}
		printJSON(a.Query.Items(name, library.SortOrder(*order)))
	case "counts":
		printJSON(a.Query.Counts())
	default:
		return errUsage
	}
	return nil
}

func handleLists(a *app.App, sub string, args []string) error {
	fs := flag.NewFlagSet("lists "+sub, flag.ExitOnError)
	id := fs.String("id", "", "custom list id")
	name := fs.String("name", "", "list name")
	desc := fs.String("desc", "", "description")
	_ = fs.Parse(args)

	switch sub {
	case "ls":
		printJSON(a.Lists.Lists())
	case "create":
		l, err := a.Lists.CreateList(*name, *desc)
		var limit *library.LimitError
		if errors.As(err, &limit) {
			return fmt.Errorf("%w (upgrade with: mediahub plan set -tier pro)", err)
		}
		if err != nil {
			return err
		}
		printJSON(l)
	case "delete":
		if !a.Lists.DeleteList(*id) {
			return fmt.Errorf("%w: %s", library.ErrUnknownList, *id)
		}
		fmt.Println("✅ list deleted")
	case "rename":
		ok, err := a.Lists.RenameList(*id, *name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", library.ErrUnknownList, *id)
		}
		fmt.Println("✅ list renamed")
	case "describe":
		if !a.Lists.SetDescription(*id, *desc) {
			return fmt.Errorf("%w: %s", library.ErrUnknownList, *id)
		}
		fmt.Println("✅ description updated")
	case "select":
		if !a.Lists.SetSelectedList(*id) {
			return fmt.Errorf("%w: %s", library.ErrUnknownList, *id)
		}
		fmt.Println("✅ selection updated")
	default:
		return errUsage
	}
	return nil
}

func handleSync(ctx context.Context, a *app.App, sub string) error {
	switch sub {
	case "now":
		if err := a.Bridge.Reconcile(ctx); err != nil {
			return err
		}
		fallthrough
	case "status":
		sess, signedIn := a.Session()
		printJSON(map[string]any{
			"status":    a.Bridge.Status(),
			"signed_in": signedIn,
			"user":      sess.Username,
			"device_id": a.DeviceID,
			"backend":   a.Config.RemoteBackend,
			"entries":   a.Store.Len(),
			"dirty":     a.Store.Dirty(),
		})
		if a.Bridge.Status() == persist.StatusOffline {
			fmt.Fprintln(os.Stderr, "changes are kept locally and pushed once the server is reachable")
		}
	default:
		return errUsage
	}
	return nil
}

func handleLegacy(a *app.App, sub string, args []string) error {
	switch sub {
	case "render":
		fs := flag.NewFlagSet("legacy render", flag.ExitOnError)
		out := fs.String("out", "", "output file (default stdout)")
		_ = fs.Parse(args)

		w := os.Stdout
		if *out != "" {
			f, err := os.Create(*out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := a.Legacy.Render(w); err != nil {
			return err
		}
		fmt.Fprintln(w)
	case "counts":
		printJSON(a.Legacy.Counts())
	default:
		return errUsage
	}
	return nil
}

// targetList resolves an add target. An empty name falls back to the
// selected custom list, then to the wishlist.
func targetList(a *app.App, raw string) (models.ListName, error) {
	if raw != "" {
		return resolveList(a, raw)
	}
	if l, ok := a.Lists.SelectedList(); ok {
		return l.ListName(), nil
	}
	return models.ListWishlist, nil
}

// resolveList accepts a built-in list, "custom:<id>", a custom list id or
// a custom list name.
func resolveList(a *app.App, raw string) (models.ListName, error) {
	if name, ok := models.ParseListName(raw); ok {
		return name, nil
	}
	for _, l := range a.Lists.Lists() {
		if l.ID == raw || strings.EqualFold(l.Name, raw) {
			return l.ListName(), nil
		}
	}
	return "", fmt.Errorf("%w: %q", library.ErrUnknownList, raw)
}

func splitTags(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("json: %v", err)
	}
	fmt.Println(string(b))
}

func printUsage() {
	fmt.Println("mediahub [-api url] [-data dir] <command> [subcommand] [flags]")
	fmt.Println("commands:")
	fmt.Println("  auth register|login|logout|whoami")
	fmt.Println("  plan show|set")
	fmt.Println("  library add|move|remove|edit|show|list|counts")
	fmt.Println("  lists ls|create|delete|rename|describe|select")
	fmt.Println("  sync now|status")
	fmt.Println("  legacy render|counts")
}
