package cache

import (
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
)

// KlogFileOptions configures a rotating-file klog sink, for callers
// that want this package's klog.V(3)/V(4)/Warningf/Errorf output on
// disk rather than (or in addition to) stderr.
type KlogFileOptions struct {
	// Filename is the log file path. lumberjack creates it (and its
	// parent directories' sibling rotations) as needed.
	Filename string
	// MaxSizeMB is the size in megabytes a log file reaches before it
	// is rotated. Defaults to 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to retain. Zero keeps
	// all of them.
	MaxBackups int
	// MaxAgeDays is the number of days to retain rotated files. Zero
	// disables age-based cleanup.
	MaxAgeDays int
	// Compress gzip-compresses rotated files.
	Compress bool
}

// SetKlogOutputFile points klog's output at a lumberjack.Logger built
// from opts. Returns that *lumberjack.Logger so the caller can Close it (or
// register it with an existing io.Closer chain) on shutdown.
func SetKlogOutputFile(opts KlogFileOptions) *lumberjack.Logger {
	maxSize := opts.MaxSizeMB
	if maxSize == 0 {
		maxSize = 100
	}
	writer := &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	klog.SetOutput(writer)
	return writer
}
