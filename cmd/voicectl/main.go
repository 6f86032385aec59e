// Command voicectl is the operator and developer CLI.
//
//	voicectl token -sub USER [-email E] [-ttl 1h]      mint a bearer token
//	voicectl grant-admin -user USER [-by OPERATOR]      write an admin role row
//	voicectl speak -text T -voice V [-wait]             submit a speech job
//	voicectl wait -id TASK                              poll a task until it ends
//
// token and grant-admin read the server environment (JWT_*, DB_*). speak and
// wait talk to the API at -api (VOICEGEN_API_URL) with -token
// (VOICEGEN_TOKEN) and poll with POLL_INTERVAL / POLL_ATTEMPTS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/voicegen-backend/internal/apiclient"
	"github.com/tbourn/voicegen-backend/internal/auth"
	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/poller"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/services"
	"github.com/tbourn/voicegen-backend/internal/sysutil"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitTimeout = 3
)

const usage = `usage: voicectl <command> [flags]

commands:
  token        mint a bearer token for a user id
  grant-admin  give a user the admin role
  speak        submit a speech job
  wait         poll a task until it is done, failed or expired
`

var errUsage = errors.New("usage")

func main() {
	if _, err := sysutil.LoadEnvFiles(os.Getenv("ENV_FILE"), ".env"); err != nil {
		fmt.Fprintln(os.Stderr, "voicectl: load env file:", err)
		os.Exit(exitFailed)
	}
	sysutil.SetupLogger(sysutil.FirstNonEmpty(os.Getenv("LOG_LEVEL"), "warn"), true, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	var err error
	switch args[0] {
	case "token":
		err = cmdToken(args[1:], stdout, stderr)
	case "grant-admin":
		err = cmdGrantAdmin(ctx, args[1:], stdout, stderr)
	case "speak":
		err = cmdSpeak(ctx, args[1:], stdout, stderr)
	case "wait":
		err = cmdWait(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "voicectl: unknown command %q\n%s", args[0], usage)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return exitUsage
	case errors.Is(err, poller.ErrTimeout):
		fmt.Fprintln(stderr, "voicectl:", err)
		return exitTimeout
	default:
		fmt.Fprintln(stderr, "voicectl:", err)
		return exitFailed
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func cmdToken(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("token", stderr)
	sub := fs.String("sub", "", "user id (token subject)")
	email := fs.String("email", "", "email claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" || *ttl <= 0 {
		fmt.Fprintln(stderr, "token: -sub is required and -ttl must be positive")
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	tok, err := auth.Issue(cfg.Auth, *sub, *email, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

func cmdGrantAdmin(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("grant-admin", stderr)
	user := fs.String("user", "", "user id to promote")
	by := fs.String("by", "voicectl", "recorded as granted_by")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		fmt.Fprintln(stderr, "grant-admin: -user is required")
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	accounts := &services.AccountService{DB: db}
	if err := accounts.GrantAdmin(ctx, *user, *by); err != nil {
		return fmt.Errorf("grant admin to %s: %w", *user, err)
	}
	fmt.Fprintf(stdout, "%s is now an admin\n", *user)
	return nil
}

// clientFlags are shared by the commands that call the API.
type clientFlags struct {
	api      *string
	token    *string
	apiKey   *string
	timeout  *time.Duration
	interval *time.Duration
	attempts *int
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	poll := config.LoadPoll()
	return clientFlags{
		api:      fs.String("api", os.Getenv("VOICEGEN_API_URL"), "API base URL including the base path"),
		token:    fs.String("token", os.Getenv("VOICEGEN_TOKEN"), "bearer token"),
		apiKey:   fs.String("api-key", "", "own vendor key (X-API-Key)"),
		timeout:  fs.Duration("timeout", 60*time.Second, "per-request timeout"),
		interval: fs.Duration("interval", poll.Interval, "poll interval"),
		attempts: fs.Int("attempts", poll.Attempts, "maximum poll attempts"),
	}
}

func (f clientFlags) client(stderr io.Writer) (*apiclient.Client, error) {
	if *f.api == "" || *f.token == "" {
		fmt.Fprintln(stderr, "-api and -token (or VOICEGEN_API_URL and VOICEGEN_TOKEN) are required")
		return nil, errUsage
	}
	c := apiclient.New(*f.api, *f.token, *f.timeout).WithPoller(poller.New(*f.interval, *f.attempts))
	if *f.apiKey != "" {
		c = c.WithAPIKey(*f.apiKey)
	}
	return c, nil
}

func cmdSpeak(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("speak", stderr)
	cf := addClientFlags(fs)
	text := fs.String("text", "", "text to speak")
	voice := fs.String("voice", "", "voice id")
	model := fs.String("model", "", "vendor model")
	async := fs.Bool("async", false, "submit as a long-text job")
	wait := fs.Bool("wait", false, "poll until the task ends")
	key := fs.String("idempotency-key", "", "replay key (random when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *text == "" || *voice == "" {
		fmt.Fprintln(stderr, "speak: -text and -voice are required")
		return errUsage
	}
	c, err := cf.client(stderr)
	if err != nil {
		return err
	}
	if *key == "" {
		*key = uuid.NewString()
	}

	task, err := c.SubmitSpeech(ctx, apiclient.SpeechRequest{Text: *text, VoiceID: *voice, Model: *model, Async: *async}, *key)
	if err != nil {
		return err
	}
	if *wait && !task.Terminal() {
		task, err = c.Wait(ctx, task.ID)
		if task != nil {
			_ = printJSON(stdout, task)
		}
		return err
	}
	return printJSON(stdout, task)
}

func cmdWait(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("wait", stderr)
	cf := addClientFlags(fs)
	id := fs.String("id", "", "task id or vendor handle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		fmt.Fprintln(stderr, "wait: -id is required")
		return errUsage
	}
	c, err := cf.client(stderr)
	if err != nil {
		return err
	}
	task, err := c.Wait(ctx, *id)
	if task != nil {
		_ = printJSON(stdout, task)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
