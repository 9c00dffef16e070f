package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/taproom/card-agent/internal/config"
	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/presence"
	"github.com/taproom/card-agent/internal/service"
)

// runCommand executes a subcommand and returns the process exit code.
func runCommand(cfg *config.Config, args []string) int {
	name, rest := args[0], args[1:]

	var err error
	switch name {
	case "version":
		printVersion()
		return 0
	case "install":
		if err = service.New().Install(); err == nil {
			fmt.Println("Launch at login enabled")
		}
	case "uninstall":
		if err = service.New().Uninstall(); err == nil {
			fmt.Println("Launch at login disabled")
		}
	case "readers":
		err = cmdReaders()
	case "watch":
		err = cmdWatch(cfg, rest)
	case "read-block":
		err = cmdReadBlock(cfg, rest)
	case "write-block":
		err = cmdWriteBlock(cfg, rest)
	case "change-keys":
		err = cmdChangeKeys(cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
		flag.Usage()
		return 2
	}

	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	var input *core.InputError
	if errors.As(err, &input) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", core.KindOf(err), err)
	return 1
}

func newCardService(cfg *config.Config) (*core.CardService, *core.Transport) {
	t := core.NewTransport(core.DefaultContextFactory{})
	return core.NewCardService(t, core.ServiceOptions{
		SharingRetries:    cfg.SharingRetries,
		SharingRetryDelay: cfg.SharingRetryDelay,
	}), t
}

func cmdReaders() error {
	t := core.NewTransport(core.DefaultContextFactory{})
	defer t.Close()

	readers, err := t.ListReaders()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("No readers attached")
		return nil
	}
	for _, r := range readers {
		fmt.Println(r)
	}
	return nil
}

func cmdWatch(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	reader := fs.String("reader", cfg.Reader, "Reader to watch (default: first available)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := core.NewTransport(core.DefaultContextFactory{})
	defer t.Close()

	enc := json.NewEncoder(os.Stdout)
	monitor := presence.NewMonitor(t, presence.NotifierFunc(func(s presence.Status) {
		_ = enc.Encode(s)
	}), presence.Options{
		Interval:        cfg.PollInterval,
		PreferredReader: func() string { return *reader },
	})
	monitor.Run(ctx)
	return nil
}

// parseFlags reports bad arguments as invalid input.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return &core.InputError{Field: "arguments", Err: err}
}

// cardFlags holds the flags shared by the block and key commands.
type cardFlags struct {
	reader  *string
	keyType *string
	key     *string
}

func addCardFlags(fs *flag.FlagSet, cfg *config.Config) cardFlags {
	return cardFlags{
		reader:  fs.String("reader", cfg.Reader, "Reader name (default: first available)"),
		keyType: fs.String("key-type", "A", "Key slot used to authenticate (A or B)"),
		key:     fs.String("key", "", "Key as 12 hex characters (prompted when omitted)"),
	}
}

// resolveReader returns name, or the first attached reader when name is empty.
func resolveReader(cards core.CardOperations, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	readers, err := cards.ListReaders()
	if err != nil {
		return "", err
	}
	if len(readers) == 0 {
		return "", &core.HardwareError{Op: "list_readers", Err: core.ErrReaderUnavailable}
	}
	return readers[0], nil
}

func cmdReadBlock(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("read-block", flag.ContinueOnError)
	cf := addCardFlags(fs, cfg)
	block := fs.Int("block", -1, "Block number")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cards, t := newCardService(cfg)
	defer t.Close()

	reader, err := resolveReader(cards, *cf.reader)
	if err != nil {
		return err
	}
	key, err := keyOrPrompt(*cf.key, "Key "+strings.ToUpper(*cf.keyType))
	if err != nil {
		return err
	}

	data, err := cards.ReadBlock(reader, *block, *cf.keyType, key)
	if err != nil {
		return err
	}
	fmt.Println(data)
	return nil
}

func cmdWriteBlock(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("write-block", flag.ContinueOnError)
	cf := addCardFlags(fs, cfg)
	block := fs.Int("block", -1, "Block number")
	data := fs.String("data", "", "Block contents as 32 hex characters")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cards, t := newCardService(cfg)
	defer t.Close()

	reader, err := resolveReader(cards, *cf.reader)
	if err != nil {
		return err
	}
	key, err := keyOrPrompt(*cf.key, "Key "+strings.ToUpper(*cf.keyType))
	if err != nil {
		return err
	}

	if err := cards.WriteBlock(reader, *block, *cf.keyType, key, *data); err != nil {
		return err
	}
	fmt.Printf("Block %d written\n", *block)
	return nil
}

func cmdChangeKeys(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("change-keys", flag.ContinueOnError)
	cf := addCardFlags(fs, cfg)
	sector := fs.Int("sector", -1, "Sector number")
	newKeyA := fs.String("new-key-a", "", "New key A (prompted when omitted)")
	newKeyB := fs.String("new-key-b", "", "New key B (prompted when omitted)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cards, t := newCardService(cfg)
	defer t.Close()

	reader, err := resolveReader(cards, *cf.reader)
	if err != nil {
		return err
	}
	current, err := keyOrPrompt(*cf.key, "Current key "+strings.ToUpper(*cf.keyType))
	if err != nil {
		return err
	}
	keyA, err := keyOrPrompt(*newKeyA, "New key A")
	if err != nil {
		return err
	}
	keyB, err := keyOrPrompt(*newKeyB, "New key B")
	if err != nil {
		return err
	}

	if err := cards.ChangeSectorKeys(reader, *sector, *cf.keyType, current, keyA, keyB); err != nil {
		return err
	}
	fmt.Printf("Sector %d keys changed\n", *sector)
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

// keyOrPrompt returns value, or reads a key from the terminal without echo.
func keyOrPrompt(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	return promptKey(int(os.Stdin.Fd()), stdin, os.Stderr, label)
}

// promptKey reads one key. Input that is not a terminal is read line by line
// from r.
func promptKey(fd int, r *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)

	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
