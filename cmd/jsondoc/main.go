// Command jsondoc inspects and edits a jsondoc data directory.
//
// Collections are declared in a YAML file and handled as untyped records.
// Documents are printed as one JSON object per line. Secret fields are
// encrypted with a key derived from --passphrase (or JSONDOC_PASSPHRASE) and
// a salt kept in the data directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/jsondoc/codec"
	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/fieldcrypto"
	"github.com/maruel/jsondoc/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsondoc: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	Dir        string `help:"Data directory." default:"./data" type:"path"`
	Config     string `help:"Collections file." default:"jsondoc.yaml" type:"path"`
	LogLevel   string `help:"Log level." enum:"debug,info,warn,error" default:"warn"`
	Passphrase string `help:"Passphrase protecting secret fields."`

	List    listCmd    `cmd:"" help:"List the declared collections."`
	Create  createCmd  `cmd:"" help:"Create a collection file."`
	Drop    dropCmd    `cmd:"" help:"Delete a collection file."`
	Find    findCmd    `cmd:"" help:"Print documents."`
	Insert  insertCmd  `cmd:"" help:"Insert documents, from arguments or stdin."`
	Upsert  upsertCmd  `cmd:"" help:"Insert or replace documents, from arguments or stdin."`
	Remove  removeCmd  `cmd:"" help:"Remove documents by key."`
	Modify  modifyCmd  `cmd:"" help:"Set fields on matching documents."`
	Reload  reloadCmd  `cmd:"" help:"Load every collection, reporting decoding errors."`
	Rekey   rekeyCmd   `cmd:"" help:"Re-encrypt secret fields with a new passphrase."`
	Schema  schemaCmd  `cmd:"" help:"Add, rename or delete fields of a collection."`
	Watch   watchCmd   `cmd:"" help:"Reload collections as other processes change them."`
	Version versionCmd `cmd:"" help:"Print version and exit."`
}

// app is bound to every command.
type app struct {
	ctx   context.Context
	flags *cli
	log   *slog.Logger
	in    io.Reader
	out   io.Writer

	cfg *config
	db  *store.DB
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var flags cli
	parser, err := kong.New(&flags,
		kong.Name("jsondoc"),
		kong.Description("Inspect and edit a jsondoc data directory."),
		kong.DefaultEnvars("JSONDOC"),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	a := &app{
		ctx:   ctx,
		flags: &flags,
		log:   newLogger(stderr, flags.LogLevel),
		in:    stdin,
		out:   stdout,
	}
	defer a.close()
	return kctx.Run(a)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	ll := &slog.LevelVar{}
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "error":
		ll.Set(slog.LevelError)
	default:
		ll.Set(slog.LevelWarn)
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case time.Duration:
				if t == 0 {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	}))
}

// open loads the collections file and opens the data directory.
func (a *app) open(opts ...store.Option) (*store.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	cfg, err := loadConfig(a.flags.Config)
	if err != nil {
		return nil, err
	}
	reg, err := cfg.registry()
	if err != nil {
		return nil, err
	}
	cipher, err := a.cipher(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]store.Option{
		store.WithLogger(a.log),
		store.WithCharset(cfg.Charset),
		store.WithCipher(cipher),
	}, opts...)
	if cfg.LockDir != "" {
		opts = append(opts, store.WithLockDir(cfg.LockDir))
	}
	db, err := store.Open(a.flags.Dir, reg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.db = db
	return db, nil
}

func (a *app) cipher(cfg *config) (fieldcrypto.Cipher, error) {
	if a.flags.Passphrase == "" {
		for _, cc := range cfg.Collections {
			if len(cc.Secret) != 0 {
				a.log.Warn("No passphrase, secret fields are stored in clear", "collection", cc.Name)
				break
			}
		}
		return fieldcrypto.Plain{}, nil
	}
	salt, err := loadSalt(a.flags.Dir)
	if err != nil {
		return nil, err
	}
	return fieldcrypto.NewAESGCMFromPassphrase(a.flags.Passphrase, salt)
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close store", "err", err)
		}
	}
}

func (a *app) collection(name string) (*store.Collection[entity.Record], error) {
	db, err := a.open()
	if err != nil {
		return nil, err
	}
	return store.Use[entity.Record](db, name)
}

// print writes one JSON document per line.
func (a *app) print(docs ...any) error {
	enc := codec.JSON{}
	for _, d := range docs {
		b, err := enc.Encode(d)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(a.out, "%s\n", b); err != nil {
			return err
		}
	}
	return nil
}

type versionCmd struct{}

func (versionCmd) Run(a *app) error {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Fprintf(a.out, "jsondoc %s\n", version)
	fmt.Fprintf(a.out, "  Go version: %s\n", goVersion)
	fmt.Fprintf(a.out, "  Revision:   %s\n", revision)
	if dirty {
		fmt.Fprintf(a.out, "  Modified:   true\n")
	}
	return nil
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
