package store

import (
	"io/fs"
	"log/slog"
	"time"

	"github.com/maruel/jsondoc/codec"
	"github.com/maruel/jsondoc/fieldcrypto"
	"github.com/maruel/jsondoc/query"
)

// Option configures a DB.
type Option func(*options)

type options struct {
	codec       codec.Codec
	cipher      fieldcrypto.Cipher
	evaluator   query.Evaluator
	logger      *slog.Logger
	charset     string
	lockDir     string
	mode        fs.FileMode
	lockTimeout time.Duration
	metrics     *Metrics
	autoCreate  bool
}

func defaultOptions() options {
	return options{
		codec:     codec.JSON{},
		cipher:    fieldcrypto.Plain{},
		evaluator: query.Linear{},
		logger:    slog.Default(),
		mode:      0o644,
	}
}

// WithCodec sets the document codec. Defaults to relaxed codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCipher sets the cipher applied to secret fields. Defaults to
// fieldcrypto.Plain, which stores secrets as is.
func WithCipher(c fieldcrypto.Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithEvaluator sets the predicate evaluator. Defaults to query.Linear.
func WithEvaluator(e query.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCharset sets the IANA charset of the collection files. Defaults to
// UTF-8.
func WithCharset(name string) Option {
	return func(o *options) { o.charset = name }
}

// WithLockDir sets the directory of the sidecar lock files. Defaults to
// "<dir>/.locks".
func WithLockDir(dir string) Option {
	return func(o *options) { o.lockDir = dir }
}

// WithFileMode sets the permission of the collection files.
func WithFileMode(mode fs.FileMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithLockTimeout bounds the wait on a file lock held by another process.
// Waits are never unbounded: a lock still held after d (10s by default)
// fails the operation with dberr.CodeLock instead of blocking forever on a
// stuck holder. Use a large d to approximate waiting indefinitely.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithMetrics records operation metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAutoCreate creates the file of every registered collection that does
// not exist yet when opening.
func WithAutoCreate() Option {
	return func(o *options) { o.autoCreate = true }
}
