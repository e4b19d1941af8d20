package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/enclaved-org/enclaved/common"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/relay"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/wire"
)

const replyTimeout = 30 * time.Second

var (
	flagRelay = &cli.StringFlag{
		Name:     "relay",
		Required: true,
		Usage:    "relay URL the host listens on",
	}
	flagService = &cli.StringFlag{
		Name:     "service",
		Required: true,
		Usage:    "host service public key (33-byte compressed, hex)",
	}
	flagKey = &cli.StringFlag{
		Name:  "key",
		Usage: "hex-encoded caller secret key; a throwaway key is generated when omitted",
	}
)

func main() {
	app := &cli.App{
		Name:  "enclaved-cli",
		Usage: "Talk to an enclaved host over its broadcast relays",
		Flags: []cli.Flag{flagRelay, flagService, flagKey},
		Commands: []*cli.Command{
			{
				Name:   "ping",
				Usage:  "Check the host is reachable",
				Action: cmdPing,
			},
			{
				Name:  "launch",
				Usage: "Launch a container and print the funding invoice",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "docker", Required: true, Usage: "image reference to run"},
					&cli.IntFlag{Name: "units", Required: true, Usage: "resource units to reserve"},
					&cli.StringFlag{Name: "name", Usage: "container name, defaults to its public key"},
					&cli.StringFlag{Name: "upgrade", Usage: "upgrade policy, 'auto' or empty"},
					&cli.StringSliceFlag{Name: "env", Usage: "KEY=VALUE environment entries"},
				},
				Action: cmdLaunch,
			},
			{
				Name:  "info",
				Usage: "Print a container's billing projection",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pubkey", Required: true, Usage: "container public key"},
				},
				Action: cmdInfo,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func callerSigner(cCtx *cli.Context) (*signer.PrivateKeySigner, error) {
	keyHex := cCtx.String("key")
	if keyHex == "" {
		return signer.Generate()
	}
	seckey, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return signer.FromSeckey(seckey)
}

// call performs one encrypted request/reply round trip over the relay.
func call(cCtx *cli.Context, method wire.Method, params any) (json.RawMessage, error) {
	sgn, err := callerSigner(cCtx)
	if err != nil {
		return nil, err
	}
	service, err := interfaces.NewPubkey(cCtx.String("service"))
	if err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := &wire.Request{
		ID:     uuid.NewString(),
		Method: method,
		Params: rawParams,
	}
	env, err := wire.EncodeRequest(sgn, service, req)
	if err != nil {
		return nil, err
	}

	logger := common.SetupLogger(&common.LoggingOpts{Service: "enclaved-cli", Version: common.Version})
	r := relay.New(cCtx.String("relay"), logger)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	replies := make(chan *wire.Reply, 1)
	unsub := r.Subscribe(&wire.Filter{
		Kinds:   []int{wire.KindRPC},
		Authors: []interfaces.Pubkey{service},
		PTags:   []interfaces.Pubkey{sgn.Pubkey()},
	}, func(env *wire.Envelope) {
		rep, err := wire.DecodeReply(sgn, env)
		if err != nil || rep.ID != req.ID {
			return
		}
		select {
		case replies <- rep:
		default:
		}
	})
	defer unsub()

	// The relay connects in the background; retry until the deadline.
	for {
		err := r.Publish(ctx, env)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("publishing request: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	select {
	case <-ctx.Done():
		return nil, errors.New("timed out waiting for reply")
	case rep := <-replies:
		if rep.Error != "" {
			return nil, errors.New(rep.Error)
		}
		return rep.Result, nil
	}
}

func printResult(result json.RawMessage) error {
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdPing(cCtx *cli.Context) error {
	result, err := call(cCtx, wire.MethodPing, struct{}{})
	if err != nil {
		return err
	}
	return printResult(result)
}

func cmdLaunch(cCtx *cli.Context) error {
	env := make(map[string]string)
	for _, kv := range cCtx.StringSlice("env") {
		k, v, ok := splitEnv(kv)
		if !ok {
			return fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	result, err := call(cCtx, wire.MethodLaunch, &wire.LaunchParams{
		Docker:  cCtx.String("docker"),
		Units:   cCtx.Int("units"),
		Env:     env,
		Name:    cCtx.String("name"),
		Upgrade: cCtx.String("upgrade"),
	})
	if err != nil {
		return err
	}
	return printResult(result)
}

func cmdInfo(cCtx *cli.Context) error {
	pubkey, err := interfaces.NewPubkey(cCtx.String("pubkey"))
	if err != nil {
		return err
	}
	result, err := call(cCtx, wire.MethodGetContainerInfo, &wire.InfoParams{Pubkey: pubkey})
	if err != nil {
		return err
	}
	return printResult(result)
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
