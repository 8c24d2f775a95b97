package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/heapq"

	"github.com/corebus/dbus"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(os.Stdout, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		var wr []byte
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			wr, bs = bs, nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func listPeers(ctx context.Context, conn *dbus.Conn, peerFilter string) iter.Seq2[dbus.Peer, error] {
	if peerFilter == "" {
		// Unique bus connections fail to handle introspection
		// gracefully more often than not.
		peerFilter = `^[^:].*`
	}
	return func(yield func(dbus.Peer, error) bool) {
		f, err := regexp.Compile(peerFilter)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		names, err := conn.ListNames(ctx)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		slices.Sort(names)
		for _, n := range names {
			if !f.MatchString(n) {
				continue
			}
			if !yield(conn.Peer(n), nil) {
				return
			}
		}
	}
}

type objectInterface struct {
	dbus.Interface
	Description *dbus.InterfaceDescription
}

var builtinInterfaces = []string{
	"org.freedesktop.DBus.Peer",
	"org.freedesktop.DBus.Properties",
	"org.freedesktop.DBus.Introspectable",
}

func listInterfaces(ctx context.Context, peer dbus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(func(a, b dbus.Object) int {
			return cmp.Compare(a.Path(), b.Path())
		})
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Description(ctx)
			if err != nil {
				if !yield(objectInterface{}, err) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			ks := slices.Sorted(maps.Keys(desc.Interfaces))
			for _, k := range ks {
				if !im.MatchString(k) {
					continue
				}
				if interfaceFilter == "" && slices.Contains(builtinInterfaces, k) {
					continue
				}
				iface := obj.Interface(k)
				if !yield(objectInterface{iface, desc.Interfaces[k]}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}

// parseArg parses a command line method argument of the form
// "type:value".
func parseArg(s string) (any, error) {
	code, val, ok := strings.Cut(s, ":")
	if !ok || len(code) != 1 {
		return s, nil
	}
	bad := func(err error) (any, error) {
		return nil, fmt.Errorf("invalid %s argument %q: %w", code, val, err)
	}
	switch code {
	case "s":
		return val, nil
	case "o":
		p := dbus.ObjectPath(val)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid object path %q", val)
		}
		return p, nil
	case "b":
		v, err := strconv.ParseBool(val)
		if err != nil {
			return bad(err)
		}
		return v, nil
	case "y":
		v, err := strconv.ParseUint(val, 0, 8)
		if err != nil {
			return bad(err)
		}
		return uint8(v), nil
	case "n":
		v, err := strconv.ParseInt(val, 0, 16)
		if err != nil {
			return bad(err)
		}
		return int16(v), nil
	case "q":
		v, err := strconv.ParseUint(val, 0, 16)
		if err != nil {
			return bad(err)
		}
		return uint16(v), nil
	case "i":
		v, err := strconv.ParseInt(val, 0, 32)
		if err != nil {
			return bad(err)
		}
		return int32(v), nil
	case "u":
		v, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return bad(err)
		}
		return uint32(v), nil
	case "x":
		v, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return bad(err)
		}
		return v, nil
	case "t":
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return bad(err)
		}
		return v, nil
	case "d":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return bad(err)
		}
		return v, nil
	default:
		return s, nil
	}
}
