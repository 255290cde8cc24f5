// Command shardctl drives the coordinator admin API.
//
// Usage:
//
//	shardctl [-coordinator URL] [-timeout D] <command> [flags]
//
// Commands:
//
//	bootstrap                  run the bootstrap to Verified
//	status                     orchestrator state and last report
//	placements                 planned ranges and observed chunks
//	topology                   latest replica group snapshot
//	events [-limit N] [-redis] recent topology events
//	initiate                   initiate the configured replica group
//	role                       role of the member the coordinator talks to
//	insert [-w LEVEL] JSON     insert one document
//	find [-read TARGET] [-key K]
//	member -node URL ADDR ROLE force a sandbox member into a role
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/remote"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	base   string
	out    io.Writer
	errOut io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("shardctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	coord := fs.String("coordinator", envOr("SHARDCTL_COORDINATOR", "http://localhost:8080"), "coordinator base URL")
	timeout := fs.Duration("timeout", 60*time.Second, "overall request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: shardctl [-coordinator URL] <bootstrap|status|placements|topology|events|initiate|role|insert|find|member> [flags]")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &cli{base: strings.TrimRight(*coord, "/"), out: stdout, errOut: stderr}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch cmd {
	case "bootstrap":
		err = c.post(ctx, "/bootstrap", nil)
	case "status":
		err = c.get(ctx, "/bootstrap")
	case "placements":
		err = c.get(ctx, "/placements")
	case "topology":
		err = c.get(ctx, "/topology")
	case "events":
		err = c.events(ctx, rest)
	case "initiate":
		err = c.post(ctx, "/replset/initiate", nil)
	case "role":
		err = c.get(ctx, "/replset/role")
	case "insert":
		err = c.insert(ctx, rest)
	case "find":
		err = c.find(ctx, rest)
	case "member":
		err = c.member(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		c.report(err)
		return 1
	}
	return 0
}

func (c *cli) get(ctx context.Context, path string) error {
	var raw json.RawMessage
	if err := cluster.GetJSON(ctx, c.base+path, &raw); err != nil {
		return err
	}
	return c.print(raw)
}

func (c *cli) post(ctx context.Context, path string, body any) error {
	var raw json.RawMessage
	if err := cluster.PostJSON(ctx, c.base+path, body, &raw); err != nil {
		return err
	}
	return c.print(raw)
}

func (c *cli) print(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(c.out)
	return err
}

// report prints err, with the kind and state carried by coordinator errors.
func (c *cli) report(err error) {
	var rerr *cluster.RemoteError
	if errors.As(err, &rerr) && rerr.Body.Error != "" {
		fmt.Fprintf(c.errOut, "error: %s\n", rerr.Body.Error)
		if rerr.Body.Kind != "" {
			fmt.Fprintf(c.errOut, "kind: %s\n", rerr.Body.Kind)
		}
		if rerr.Body.State != "" {
			fmt.Fprintf(c.errOut, "last state: %s\n", rerr.Body.State)
		}
		return
	}
	fmt.Fprintf(c.errOut, "error: %v\n", err)
}

func (c *cli) events(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	limit := fs.Int("limit", 20, "number of events")
	fromRedis := fs.Bool("redis", false, "read the shared Redis list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *fromRedis {
		q.Set("source", "redis")
	}
	return c.get(ctx, "/events?"+q.Encode())
}

func (c *cli) insert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("insert", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	w := fs.String("w", "", "write level: none, one or majority")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("insert takes one JSON document")
	}
	var doc cluster.Document
	if err := json.Unmarshal([]byte(fs.Arg(0)), &doc); err != nil {
		return fmt.Errorf("document: %w", err)
	}
	path := "/documents"
	if *w != "" {
		path += "?" + url.Values{"w": {*w}}.Encode()
	}
	return c.post(ctx, path, doc)
}

func (c *cli) find(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	read := fs.String("read", "", "read target: primary, secondary, secondaryPreferred or nearest")
	key := fs.String("key", "", "partition key value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *read != "" {
		q.Set("read", *read)
	}
	if *key != "" {
		q.Set("key", *key)
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.get(ctx, path)
}

// member talks to a sandbox node directly, not to the coordinator.
func (c *cli) member(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("member", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	node := fs.String("node", envOr("SHARDCTL_NODE", "http://localhost:8081"), "sandbox node base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("member takes ADDR and ROLE")
	}
	addr, role := fs.Arg(0), cluster.ParseRole(fs.Arg(1))
	if role == cluster.RoleUnknown {
		return fmt.Errorf("unknown role %q", fs.Arg(1))
	}
	if err := remote.NewClient(*node).SetMemberRole(ctx, addr, role); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s is now %s\n", addr, role)
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
