// paxosd runs one process of a replicated state machine over UDP.
//
// Found a three node cluster (use -size to found a bigger one) and talk to
// it:
//
//	paxosd -seed -listen 127.0.0.1:7000
//	paxosd -listen 127.0.0.1:7001 -join 127.0.0.1:7000
//	paxosd -listen 127.0.0.1:7002 -join 127.0.0.1:7000
//	paxosd -listen 127.0.0.1:7003 -join 127.0.0.1:7000
//	paxosd -client 127.0.0.1:7001,127.0.0.1:7002,127.0.0.1:7003 -app kv -op put -key x -value 1
//
// A node can later join a running cluster by naming any current member in
// -join.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/senutpal/multipaxos/internal/app"
	"github.com/senutpal/multipaxos/internal/config"
	"github.com/senutpal/multipaxos/internal/node"
	"github.com/senutpal/multipaxos/internal/paxos"
	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/transport"
)

func init() {
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

func splitAddrs(s string) []protocol.Address {
	var out []protocol.Address
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, protocol.Address(a))
		}
	}
	return out
}

func main() {
	cfg := config.Default()
	var (
		listen  = flag.String("listen", "127.0.0.1:0", "UDP address to bind")
		seed    = flag.Bool("seed", false, "found a new cluster")
		join    = flag.String("join", "", "comma separated seed or members to join through")
		client  = flag.String("client", "", "comma separated replicas to send one request to")
		appName = flag.String("app", "counter", "state machine: counter or kv")
		initial = flag.String("state", "", "initial state when founding (-seed)")
		size    = flag.Int("size", 0, "founding cluster size when seeding, at least -min-peers")
		op      = flag.String("op", "get", "kv client operation: get, put or delete")
		key     = flag.String("key", "", "kv client key")
		value   = flag.String("value", "", "kv client value")
		timeout = flag.Duration("timeout", 30*time.Second, "client request timeout")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Int64Var(&cfg.Alpha, "alpha", cfg.Alpha, "pipeline depth and view change delay in slots")
	flag.IntVar(&cfg.MinPeers, "min-peers", cfg.MinPeers, "smallest view size")
	flag.DurationVar(&cfg.PrepareRetransmit, "prepare-retransmit", cfg.PrepareRetransmit, "PREPARE retransmit interval")
	flag.DurationVar(&cfg.AcceptRetransmit, "accept-retransmit", cfg.AcceptRetransmit, "ACCEPT retransmit interval")
	flag.DurationVar(&cfg.JoinRetransmit, "join-retransmit", cfg.JoinRetransmit, "JOIN retransmit interval")
	flag.DurationVar(&cfg.InvokeRetransmit, "invoke-retransmit", cfg.InvokeRetransmit, "INVOKE retransmit interval")
	flag.DurationVar(&cfg.CatchupInterval, "catchup-interval", cfg.CatchupInterval, "catch-up probe interval")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat interval")
	flag.IntVar(&cfg.HeartbeatGoneCount, "heartbeat-gone", cfg.HeartbeatGoneCount, "silent heartbeat intervals before a peer is down")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var (
		execute paxos.ExecuteFunc
		state   []byte
	)
	switch *appName {
	case "counter":
		execute, state = app.Counter, []byte("0")
	case "kv":
		execute, state = app.KV, []byte("{}")
	default:
		fmt.Fprintf(os.Stderr, "unknown -app %q\n", *appName)
		os.Exit(2)
	}
	if *initial != "" {
		state = []byte(*initial)
	}

	n, err := node.New(transport.NewUDP(log.StandardLogger()), protocol.Address(*listen), cfg, log.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("System: starting node")
	}
	log.Infof("System: listening on %s", n.Address())

	switch {
	case *client != "":
		input, err := clientInput(*appName, *op, *key, *value)
		if err != nil {
			log.WithError(err).Fatal("System: bad request")
		}
		os.Exit(runClient(n, splitAddrs(*client), input, *appName, *timeout))
	case *seed:
		n.Seed(state, *size)
	case *join != "":
		n.Join(splitAddrs(*join), execute)
	default:
		fmt.Fprintln(os.Stderr, "one of -seed, -join or -client is required")
		os.Exit(2)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("System: %s, shutting down", sig)
		n.Stop()
		<-n.Done()
	case <-n.Done():
		log.Info("System: removed from the cluster")
	}
}

func clientInput(appName, op, key, value string) ([]byte, error) {
	if appName != "kv" {
		return []byte("inc"), nil
	}
	switch strings.ToLower(op) {
	case "get":
		return app.GetOp(key).Encode(), nil
	case "put":
		return app.PutOp(key, value).Encode(), nil
	case "delete":
		return app.DeleteOp(key).Encode(), nil
	}
	return nil, fmt.Errorf("unknown -op %q", op)
}

// runClient sends one request and prints its output. The client id only has
// to be unique across the cluster's lifetime, so it comes from a random
// UUID.
func runClient(n *node.Node, replicas []protocol.Address, input []byte, appName string, timeout time.Duration) int {
	id := uuid.New()
	clientID := int64(binary.BigEndian.Uint64(id[:8]) >> 1)

	reply := make(chan []byte, 1)
	n.Invoke(replicas, clientID, input, func(out []byte) { reply <- out })
	defer n.Stop()

	select {
	case out := <-reply:
		if appName == "kv" {
			res, err := app.DecodeResult(out)
			if err != nil {
				log.WithError(err).Error("System: bad reply")
				return 1
			}
			if res.Err != "" {
				fmt.Println("error:", res.Err)
				return 1
			}
			if !res.Found {
				fmt.Println("(not found)")
				return 0
			}
			fmt.Println(res.Value)
			return 0
		}
		fmt.Println(string(out))
		return 0
	case <-time.After(timeout):
		log.Errorf("System: no reply within %s", timeout)
		return 1
	}
}
