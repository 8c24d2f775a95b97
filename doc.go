// Package dbus is a client and peer library for the DBus IPC
// protocol.
//
// # Connecting
//
// [SystemBus] and [SessionBus] connect to the well-known message
// buses. [Dial] connects to a bus at an explicit address, and
// [DialPeer] opens a direct peer-to-peer connection that skips the
// bus handshake. [Listen] accepts peer-to-peer connections. Address
// strings use the DBus server address syntax, for example
// "unix:path=/run/dbus/system_bus_socket" or
// "tcp:host=127.0.0.1,port=4000". A [Pool] shares one connection per
// address between independent users.
//
// Connections authenticate with SASL. EXTERNAL is tried first on unix
// sockets, followed by DBUS_COOKIE_SHA1 and ANONYMOUS. See
// [WithMechanisms] to change the list.
//
// # Calling and exporting
//
// [Conn.Peer], [Peer.Object] and [Object.Interface] build handles to
// remote objects. [Interface.Call] and the generic [Call] function
// invoke methods, and the property helpers read and write
// org.freedesktop.DBus.Properties values. [Conn.Call] and
// [Conn.CallAsync] work with raw [Message] values.
//
// [Conn.Export] publishes a Go implementation of an interface at an
// object path. Exported objects automatically answer
// org.freedesktop.DBus.Peer, org.freedesktop.DBus.Introspectable and
// org.freedesktop.DBus.Properties calls.
//
// Incoming messages are processed by per-kind executors (see the
// dispatch package and [WithDispatch]). Signals are delivered in the
// order they were received.
//
// # Signals
//
// [Conn.AddSignalHandler] and [Conn.Watch] subscribe to signals
// described by a [MatchRule]. Signal bodies decode into the struct
// type registered with [RegisterSignalType], or into []any otherwise.
//
// # Type mapping
//
// uint{8,16,32,64}, int{16,32,64}, float64, bool and string map to
// the corresponding DBus basic types. Slices and arrays map to DBus
// arrays, maps to DBus dictionaries, and structs to DBus structs with
// exported fields in declaration order. Embedded struct fields are
// flattened into the outer struct. Pointers map to the type pointed
// to. [Variant] and any map to a DBus variant. [Signature],
// [ObjectPath] and [File] map to the DBus signature, object path and
// unix fd types.
//
// Types can take over their own encoding by implementing [Marshaler]
// and [Unmarshaler]. Unmarshaler must be implemented on a pointer
// receiver.
//
// Several DBus protocols extend structs with a map[K]Variant
// "vardict" in a backwards compatible way. A struct may carry a
// single field tagged `dbus:"vardict"` plus associated fields tagged
// `dbus:"key=X"`:
//
//	struct Vardict{
//	    M map[uint8]dbus.Variant `dbus:"vardict"`
//
//	    Foo string `dbus:"key=1"`
//	    Bar uint32 `dbus:"key=2"`
//	}
//
// Associated fields with nonzero values are encoded as extra entries
// of the dictionary. Tag a field `dbus:"key=X,encodeZero"` to encode
// its zero value too. When decoding, entries whose key matches an
// associated field land in that field instead of the map.
//
// Variants holding a struct decode into an anonymous struct with
// fields named Field0 to FieldN. int8, int, uint, uintptr, complex
// numbers, channels and functions have no DBus representation, and
// neither do recursive types. Using them yields a [TypeError].
package dbus
