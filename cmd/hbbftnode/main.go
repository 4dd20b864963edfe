// Command hbbftnode wires Parameters, a Committee, the crypto services and
// the reference mempool/network/store collaborators into a running set of
// engine.Controllers. It contains no protocol logic of its own — every
// decision it makes is either a config default or a supporting-goroutine
// lifetime.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ac-dcz/flexible-hbbft/config"
	ourcrypto "github.com/ac-dcz/flexible-hbbft/crypto"
	"github.com/ac-dcz/flexible-hbbft/engine"
	"github.com/ac-dcz/flexible-hbbft/mempool"
	"github.com/ac-dcz/flexible-hbbft/network"
	"github.com/ac-dcz/flexible-hbbft/rpc"
	"github.com/ac-dcz/flexible-hbbft/store"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	sizeFlag = cli.IntFlag{
		Name:  "size",
		Usage: "committee size (number of nodes to launch in this process)",
		Value: 4,
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML parameters file (defaults are used if omitted)",
	}
	datadirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for each node's LevelDB block store; empty means in-memory",
	}
	rpcAddrFlag = cli.StringFlag{
		Name:  "rpcaddr",
		Usage: "address the status endpoint listens on",
		Value: "127.0.0.1:8547",
	}
	rpcCorsFlag = cli.StringFlag{
		Name:  "rpccorsdomain",
		Usage: "comma-separated list of domains allowed to query the status endpoint",
		Value: "*",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "hbbftnode"
	app.Usage = "run a single-process demo committee of the consensus engine"
	app.Flags = []cli.Flag{sizeFlag, configFlag, datadirFlag, rpcAddrFlag, rpcCorsFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hbbftnode exited")
	}
}

func run(ctx *cli.Context) error {
	size := ctx.Int(sizeFlag.Name)
	if size < 4 {
		return fmt.Errorf("hbbftnode: size must be at least 4, got %d", size)
	}

	params := config.DefaultParameters()
	if file := ctx.String(configFlag.Name); file != "" {
		loaded, err := config.LoadParameters(file)
		if err != nil {
			return err
		}
		params = loaded
	}

	committee, sigKeys, threshKeys, err := bootstrapCommittee(size)
	if err != nil {
		return err
	}

	datadir := ctx.String(datadirFlag.Name)
	filters, err := network.NewLocalFilterSet(committee)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(context.Background())
	rootCtx, cancel := signal.NotifyContext(gctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	controllers := make([]*engine.Controller, 0, size)
	for i, member := range committee.Members {
		sigSvc := ourcrypto.NewSignatureService(sigKeys[i])
		threshSvc := ourcrypto.NewThresholdService(threshKeys.Shares[i], threshKeys.Public, int(committee.RandomCoinThreshold()), size)

		st, err := openStore(datadir, member.Id, committee)
		if err != nil {
			return err
		}
		mp, err := mempool.NewInMemory(4096, 64<<20)
		if err != nil {
			return err
		}
		filter := filters[member.Id]
		sync := network.NewSynchronizer(member.Id, committee, st, filter)

		c := engine.New(member.Id, committee, params, st, sigSvc, threshSvc, mp, sync, filter, int(params.Fallback+8)*size)
		controllers = append(controllers, c)

		localFilter, localController := filter, c
		group.Go(func() error {
			for {
				select {
				case msg := <-localFilter.Inbox():
					localController.Deliver(msg)
				case <-rootCtx.Done():
					return nil
				}
			}
		})
		group.Go(func() error { return localController.Run(rootCtx) })
	}

	srv := rpc.NewServer(controllers[0], corsOrigins(ctx.String(rpcCorsFlag.Name)))
	listener, err := net.Listen("tcp", ctx.String(rpcAddrFlag.Name))
	if err != nil {
		return err
	}
	group.Go(func() error {
		go func() {
			<-rootCtx.Done()
			listener.Close()
		}()
		return srv.Serve(listener)
	})

	logrus.WithField("size", size).Info("hbbftnode demo committee started")
	return group.Wait()
}

func corsOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// bootstrapCommittee generates a fresh size-node committee for single-process
// demo runs: one secp256k1 key per member (its address becomes the member's
// NodeId) and one dealer-issued BLS (bn256) threshold-key share each, with
// equal stake. Production deployments load Committee and key material from
// disk instead (see config.LoadCommittee); this stands in for the
// distributed key-generation ceremony that is out of scope for the core.
func bootstrapCommittee(size int) (config.Committee, []*ecdsa.PrivateKey, *ourcrypto.ThresholdKeys, error) {
	members := make([]config.Member, size)
	sigKeys := make([]*ecdsa.PrivateKey, size)

	for i := 0; i < size; i++ {
		key, err := ourcrypto.GenerateSignatureKey()
		if err != nil {
			return config.Committee{}, nil, nil, err
		}
		sigKeys[i] = key
		members[i] = config.Member{
			Id:    ethcrypto.PubkeyToAddress(key.PublicKey),
			Stake: 1,
		}
	}

	committee := config.Committee{Members: members}
	threshKeys, err := ourcrypto.GenerateThresholdKeys(size, int(committee.RandomCoinThreshold()))
	if err != nil {
		return config.Committee{}, nil, nil, err
	}
	return committee, sigKeys, threshKeys, nil
}

// openStore opens a per-member LevelDB store under datadir, or an in-memory
// store when datadir is empty.
func openStore(datadir string, id config.NodeId, committee config.Committee) (store.Store, error) {
	if datadir == "" {
		return store.NewMemory(committee), nil
	}
	return store.OpenLevelDB(filepath.Join(datadir, id.Hex()), committee)
}
