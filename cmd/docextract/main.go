package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/docextract/internal/export"
	"github.com/zombor/docextract/internal/logging"
	"github.com/zombor/docextract/internal/prepare"
	"github.com/zombor/docextract/internal/session"
	"github.com/zombor/docextract/internal/upload"
	"github.com/zombor/docextract/internal/web"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("docextract")
	var (
		endpoint    = fs.StringLong("endpoint", "", "Extraction service URL the document is posted to")
		port        = fs.IntLong("port", 8080, "HTTP server port")
		timeout     = fs.DurationLong("timeout", upload.DefaultTimeout, "Upload request timeout")
		convert     = fs.BoolLong("convert", "Convert PDF and HEIC files to PNG before uploading")
		outDir      = fs.StringLong("out", ".", "Directory exports are written to in one-shot mode")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: text or json")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DOCEXTRACT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := logging.Setup(os.Stderr, *logLevel, *logFormat)

	if *endpoint == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		logger.Error("Extraction endpoint is required. Set --endpoint flag or DOCEXTRACT_ENDPOINT environment variable")
		os.Exit(1)
	}

	transport := upload.NewHTTPTransport(
		upload.WithTimeout(*timeout),
		upload.WithLogger(logger),
	)

	opts := []session.Option{session.WithLogger(logger)}
	if *convert {
		logger.Info("Converting PDF and HEIC files before upload")
		opts = append(opts, session.WithPreparer(prepare.NewConverter(logger)))
	}
	sess := session.New(transport, *endpoint, opts...)
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := fs.GetArgs(); len(args) > 0 {
		if err := runOnce(ctx, sess, args[0], *outDir); err != nil {
			logger.Error("Extraction failed", "file", args[0], "error", err)
			os.Exit(1)
		}
		return
	}

	server := web.NewServer(ctx, sess)
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "endpoint", *endpoint)
	if err := server.Start(ctx, addr); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Shutting down...")
}

// runOnce uploads path, prints progress to stderr and writes every export
// format to outDir.
func runOnce(ctx context.Context, sess *session.Session, path, outDir string) error {
	file, err := upload.OpenLocalFile(path)
	if err != nil {
		return err
	}

	store, err := export.NewLocalStorage(outDir)
	if err != nil {
		return fmt.Errorf("initializing output directory: %w", err)
	}

	unsubscribe := sess.Subscribe(func(st session.State) {
		if up, ok := st.(session.Uploading); ok {
			fmt.Fprintf(os.Stderr, "\ruploading %s: %3d%%", up.Name, up.Progress)
		}
	})
	defer unsubscribe()

	<-sess.SelectFile(ctx, file)
	fmt.Fprintln(os.Stderr)

	st := sess.State()
	if failed, ok := st.(session.Failed); ok {
		return errors.New(failed.Message)
	}
	result := session.ResultOf(st)
	if result == nil {
		return fmt.Errorf("no result for %s", file.Name())
	}

	jsonArtifact, err := sess.ExportJSON()
	if err != nil {
		return err
	}
	csvArtifact, err := sess.ExportCSV()
	if err != nil {
		return err
	}
	xlsxArtifact, err := sess.ExportXLSX()
	if err != nil {
		return err
	}

	paths, err := export.SaveAll(store, jsonArtifact, csvArtifact, xlsxArtifact)
	if err != nil {
		return fmt.Errorf("writing exports: %w", err)
	}

	fmt.Printf("%s: %d fields, %d need review\n", file.Name(), len(result.Fields), result.LowConfidenceCount())
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}
