// rpcecho is a two-process demo of the rpc engine over a Unix socket: a
// "serve" side publishes a counter object and prints its oid, a "call"
// side dials in, resolves that oid to a proxy, and invokes it. The oid
// handoff via stdout/flag is the out-of-band first-object exchange the
// engine itself does not provide (SPEC_FULL.md §4.6).
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/kryptco/transparent-rpc/rpc"
	"github.com/kryptco/transparent-rpc/rpc/common/log"
	"github.com/kryptco/transparent-rpc/rpc/transport"
)

// counter is the root object the "serve" side publishes: an "increment"
// method, an "echo" method, and a "count" getter.
type counter struct {
	mu    sync.Mutex
	count int64
}

func (c *counter) RPCMethods() []string {
	return []string{"increment", "echo", "get count"}
}

func (c *counter) RPCCall(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	switch method {
	case "increment":
		c.mu.Lock()
		c.count++
		n := c.count
		c.mu.Unlock()
		return n, nil
	case "echo":
		if len(args) != 1 {
			return nil, fmt.Errorf("echo expects exactly one argument")
		}
		return args[0], nil
	default:
		return nil, fmt.Errorf("no such method %q", method)
	}
}

func (c *counter) RPCGet(ctx context.Context, name string) (interface{}, error) {
	if name != "count" {
		return nil, fmt.Errorf("no such property %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, nil
}

var logger = log.SetupLogging("rpcecho", logging.NOTICE)

func serveCommand(c *cli.Context) error {
	socketPath := c.String("socket")
	listener, err := transport.ListenUnix(socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()

	color.Green("rpcecho ▶ listening on %s", socketPath)
	conn, err := listener.Accept()
	if err != nil {
		return err
	}

	ep := rpc.NewEndpoint(transport.NewNetConn(conn), rpc.Options{Logger: logger})
	oid, err := ep.AddStub(&counter{})
	if err != nil {
		return err
	}
	color.Cyan("rpcecho ▶ root object oid: %s", oid)
	fmt.Println(oid)

	return ep.Wait()
}

func callCommand(c *cli.Context) error {
	socketPath := c.String("socket")
	oid := c.String("oid")
	method := c.String("method")
	if oid == "" {
		return fmt.Errorf("--oid is required (printed by the serve side)")
	}

	conn, err := transport.DialUnix(socketPath)
	if err != nil {
		return err
	}
	ep := rpc.NewEndpoint(transport.NewNetConn(conn), rpc.Options{Logger: logger})
	defer ep.Destroy()

	var proxy *rpc.Proxy
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := ep.GetProxy(oid); ok {
			proxy = p
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if proxy == nil {
		return fmt.Errorf("timed out waiting for oid %q to arrive", oid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result interface{}
	switch method {
	case "echo":
		result, err = proxy.Call(ctx, "echo", c.String("arg"))
	case "count":
		result, err = proxy.Get(ctx, "count")
	default:
		result, err = proxy.Call(ctx, method)
	}
	if err != nil {
		color.Red("rpcecho ▶ call failed: %v", err)
		return err
	}
	color.Green("rpcecho ▶ result: %v", result)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rpcecho"
	app.Usage = "demo of the transparent-rpc engine over a Unix socket"
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "listen, accept one connection, publish a counter object",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "socket", Value: "/tmp/rpcecho.sock", Usage: "Unix socket path"},
			},
			Action: serveCommand,
		},
		{
			Name:  "call",
			Usage: "dial the serve side and invoke its counter object",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "socket", Value: "/tmp/rpcecho.sock", Usage: "Unix socket path"},
				cli.StringFlag{Name: "oid", Usage: "oid printed by the serve side"},
				cli.StringFlag{Name: "method", Value: "increment", Usage: "increment | echo | count"},
				cli.StringFlag{Name: "arg", Usage: "argument for echo"},
			},
			Action: callCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("rpcecho ▶ %v", err)
		os.Exit(1)
	}
}
