// Command soteria-verify runs the verification pipeline from a shell.  It
// never drives the lock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/BrandonDHaskell/Soteria/server/internal/config"
	"github.com/BrandonDHaskell/Soteria/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/algorand"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// exitDenied is the exit status for a well-formed request that was denied.
const exitDenied = 2

func main() {
	if err := newApp(os.Stdout, os.Stdin).Run(os.Args); err != nil {
		log.New(os.Stderr, "soteria-verify ", 0).Fatal(err)
	}
}

func newApp(stdout io.Writer, stdin io.Reader) *cli.App {
	appIDFlag := &cli.StringFlag{
		Name:    "app-id",
		Usage:   "application id keys must carry",
		EnvVars: []string{"SOTERIA_APP_ID"},
	}
	recipientFlag := &cli.BoolFlag{
		Name:  "require-recipient",
		Usage: "reject payloads without a recipient address",
	}

	return &cli.App{
		Name:   "soteria-verify",
		Usage:  "inspect and verify guest key QR payloads",
		Writer: stdout,
		Reader: stdin,
		Commands: []*cli.Command{
			{
				Name:      "parse",
				Usage:     "parse a payload without touching the ledger",
				ArgsUsage: "<payload|->",
				Flags:     []cli.Flag{appIDFlag, recipientFlag},
				Action: func(c *cli.Context) error {
					raw, err := payloadArg(c)
					if err != nil {
						return err
					}
					p := service.NewCredentialParser(service.ParserOptions{
						AppID:            c.String("app-id"),
						RequireRecipient: c.Bool("require-recipient"),
						RequireWindow:    true,
					})
					cred, err := p.Parse(raw)
					if err != nil {
						return cli.Exit(fmt.Sprintf("invalid credential: %v", err), exitDenied)
					}
					return writeJSON(c.App.Writer, cred)
				},
			},
			{
				Name:      "check",
				Usage:     "run the full pipeline against the configured ledger",
				ArgsUsage: "<payload|->",
				Flags: []cli.Flag{
					appIDFlag,
					recipientFlag,
					&cli.StringFlag{
						Name:    "mode",
						Value:   "notes",
						Usage:   "verification mode: notes or contract",
						EnvVars: []string{"SOTERIA_MODE"},
					},
				},
				Action: runCheck,
			},
			{
				Name:      "remote",
				Usage:     "send a payload to a running server over gRPC",
				ArgsUsage: "<payload|->",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "localhost:9090", Usage: "server gRPC address"},
					&cli.StringFlag{Name: "reader-id", Usage: "reader id to report"},
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "call timeout"},
				},
				Action: runRemote,
			},
		},
	}
}

func runCheck(c *cli.Context) error {
	raw, err := payloadArg(c)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v := c.String("app-id"); v != "" {
		cfg.AppID = v
	}
	if cfg.AppID == "" {
		return errors.New("an app id is required (--app-id or SOTERIA_APP_ID)")
	}

	logger := log.New(io.Discard, "", 0)
	pcfg := service.PipelineConfig{
		Mode:             service.ParseMode(c.String("mode")),
		AppID:            cfg.AppID,
		RequireRecipient: c.Bool("require-recipient") || cfg.RequireRecipient,
		TimeTolerance:    cfg.TimeTolerance,
		LedgerTimeout:    cfg.LedgerTimeout,
		RevocationLimit:  cfg.RevocationLimit,
		RevocationPolicy: service.ParseRevocationFailPolicy(cfg.RevocationFailPolicy),
	}

	var pipeline *service.Pipeline
	if cfg.Ledger == config.LedgerAlgorand {
		appID, _ := strconv.ParseUint(cfg.AppID, 10, 64)
		lc, err := algorand.New(algorand.Config{
			AlgodAddress:   cfg.AlgodAddress,
			AlgodToken:     cfg.AlgodToken,
			IndexerAddress: cfg.IndexerAddress,
			IndexerToken:   cfg.IndexerToken,
			LockMnemonic:   cfg.LockMnemonic,
			AppID:          appID,
		})
		if err != nil {
			return err
		}
		pipeline = service.NewPipeline(pcfg, lc, lc, logger)
	} else {
		l := memory.New(memory.DevLock)
		pipeline = service.NewPipeline(pcfg, l, l, logger)
	}

	v := pipeline.Verify(c.Context, raw)
	if err := writeJSON(c.App.Writer, v.Result); err != nil {
		return err
	}
	if !v.Result.Granted() {
		return cli.Exit("", exitDenied)
	}
	return nil
}

func runRemote(c *cli.Context) error {
	raw, err := payloadArg(c)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.String("addr"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.String("addr"), err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	out, err := grpcapi.NewVerifierClient(conn).VerifyAccess(ctx, types.VerifyRequest{
		Payload:  raw,
		ReaderID: c.String("reader-id"),
	})
	if err != nil {
		return err
	}

	b, err := out.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(b))
	if !out.GetFields()["granted"].GetBoolValue() {
		return cli.Exit("", exitDenied)
	}
	return nil
}

// payloadArg returns the first argument, or stdin when it is "-".
func payloadArg(c *cli.Context) (string, error) {
	arg := c.Args().First()
	if arg == "" {
		return "", errors.New("a payload argument is required")
	}
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(io.LimitReader(c.App.Reader, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
