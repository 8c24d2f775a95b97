// Command dbus pokes at message buses: it lists names and objects,
// calls methods, listens to signals and serves a demo object.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"

	"github.com/corebus/dbus"
)

var globalArgs struct {
	Config        string `flag:"config,Path to a YAML connection config file"`
	Address       string `flag:"address,Bus address to connect to, overrides --config and --session"`
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	var (
		opts  []dbus.Option
		addr  = globalArgs.Address
		isBus = true
	)
	if globalArgs.Config != "" {
		cfg, err := dbus.LoadConfig(globalArgs.Config)
		if err != nil {
			return nil, err
		}
		if opts, err = cfg.Options(); err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.Address
		}
		isBus = cfg.IsBus()
	}

	var (
		conn *dbus.Conn
		err  error
	)
	switch {
	case addr != "" && isBus:
		conn, err = dbus.Dial(ctx, addr, opts...)
	case addr != "":
		conn, err = dbus.DialPeer(ctx, addr, opts...)
	case globalArgs.UseSessionBus:
		conn, err = dbus.SessionBus(ctx, opts...)
	default:
		conn, err = dbus.SystemBus(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "names",
						Usage: "list names",
						Help:  "List names on the bus, with their owners.",
						Run:   command.Adapt(runListNames),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

Each argument is a regular expression that narrows the listing to
matching peers, object paths and interface names.

Unless explicitly asked for, the listing omits the three well-known
interfaces that most objects implement:
  org.freedesktop.DBus.Peer
  org.freedesktop.DBus.Properties
  org.freedesktop.DBus.Introspectable
`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help:  "List properties.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Get a peer's identity.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "call",
				Usage: "call peer object interface.method [type:value...]",
				Help: `Call a method and print the reply.

Arguments are written as a type code and a value, for example s:hello,
u:42, b:true or o:/org/example. A bare value is sent as a string.`,
				Run: runCall,
			},
			{
				Name:  "listen",
				Usage: "listen [match-rule]",
				Help:  "Listen to bus signals, optionally filtered by a match rule.",
				Run:   runListen,
			},
			{
				Name:  "features",
				Usage: "features",
				Help:  "List the message bus's feature flags.",
				Run:   command.Adapt(runFeatures),
			},
			{
				Name:  "serve-echo",
				Usage: "serve-echo",
				Help: `Serve an echo object at /org/corebus/Echo.

The org.corebus.Echo interface has an Echo method that returns its
string argument, a Count property and a Echoed signal.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				Run: command.Adapt(runServeEcho),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	aliases := map[string][]string{}

	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}
	for _, alias := range aliases {
		slices.SortFunc(alias, cmp.Compare[string])
	}

	for _, n := range names {
		alias := aliases[n]
		if len(alias) == 0 {
			fmt.Println(n)
		} else {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		}
	}

	return nil
}

func runListInterfaces(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName, err := conn.GetNameOwner(ctx, p.Name())
		if err != nil {
			ownerName = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.v(err)
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (dbus.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}

	return nil
}

func runListProps(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}

			props, err := iface.GetAllProperties(ctx)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface, err))
				continue
			}
			ks := slices.Sorted(maps.Keys(props))
			ks = slices.Collect(slice.Select(ks, pf.MatchString))
			if len(ks) == 0 {
				continue
			}

			if iface.Peer() != prev.Peer() {
				out.indent(0)
				out.v(iface.Peer().Name())
				out.indent(1)
				out.v(iface.Object().Path())
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
			}
			prev = iface.Interface

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %# v", k, pretty.Formatter(props[k]))
			}
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s answered in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	creds, err := conn.GetPeerCredentials(env.Context(), peer)
	if err != nil {
		return fmt.Errorf("getting credentials of %s: %w", peer, err)
	}

	fmt.Println("PID:", creds.PID)
	fmt.Println("UID:", creds.UID)
	fmt.Println("GIDs:", creds.GIDs)
	if len(creds.SecurityLabel) > 0 {
		fmt.Println("Security label:", strings.TrimRight(string(creds.SecurityLabel), "\x00"))
	}
	for _, k := range slices.Sorted(maps.Keys(creds.Unknown)) {
		fmt.Println(k, "(?):", creds.Unknown[k])
	}

	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires a peer, an object and a method.")
	}
	peer, path, method := env.Args[0], dbus.ObjectPath(env.Args[1]), env.Args[2]
	i := strings.LastIndexByte(method, '.')
	if i < 0 {
		return env.Usagef("method %q must be qualified with its interface", method)
	}
	iface, member := method[:i], method[i+1:]

	var body []any
	for _, a := range env.Args[3:] {
		v, err := parseArg(a)
		if err != nil {
			return err
		}
		body = append(body, v)
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	m := dbus.NewMethodCall(peer, path, iface, member)
	if err := m.SetBody(body...); err != nil {
		return err
	}
	reply, err := conn.Call(env.Context(), m)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	vals, err := reply.Args()
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	for _, v := range vals {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runListen(env *command.Env) error {
	rule := dbus.MatchSignals()
	if len(env.Args) > 0 {
		r, err := dbus.ParseMatchRule(strings.Join(env.Args, ","))
		if err != nil {
			return err
		}
		rule = r
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(rule); err != nil {
		return fmt.Errorf("adding match %s: %w", rule, err)
	}
	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case sig, ok := <-w.Chan():
			if !ok {
				return conn.Err()
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", sig.Sender.Name(), sig.Name, sig.Sender.Peer().Name(), sig.Sender.Object().Path(), pretty.Formatter(sig.Body))
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}

func runFeatures(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	features, err := conn.Features(env.Context())
	if err != nil {
		return fmt.Errorf("listing bus features: %w", err)
	}
	slices.Sort(features)
	for _, f := range features {
		fmt.Println(f)
	}
	return nil
}

const (
	echoPath  = dbus.ObjectPath("/org/corebus/Echo")
	echoIface = "org.corebus.Echo"
)

func runServeEcho(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var count atomic.Uint32
	err = conn.Export(echoPath, echoIface, &dbus.InterfaceImpl{
		Methods: map[string]any{
			"Echo": func(ctx context.Context, path dbus.ObjectPath, msg string) (string, error) {
				sender, _ := dbus.ContextSender(ctx)
				fmt.Printf("Echo %q on %s from %s\n", msg, path, sender.Peer())
				n := count.Add(1)
				if err := conn.Emit(ctx, path, echoIface, "Echoed", msg, n); err != nil {
					fmt.Printf("emitting Echoed: %v\n", err)
				}
				return msg, nil
			},
		},
		Properties: map[string]*dbus.Property{
			"Count": dbus.NewProperty[uint32](func(context.Context) (uint32, error) {
				return count.Load(), nil
			}, nil),
		},
		Signals: map[string]dbus.Signature{
			"Echoed": dbus.MustParseSignature("su"),
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Serving %s on %s as %s\n", echoIface, echoPath, conn.LocalName())

	select {
	case <-env.Context().Done():
		fmt.Println("shutdown")
		return nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return err
		}
		return errors.New("connection closed")
	}
}
