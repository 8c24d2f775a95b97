package dbus_test

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/corebus/dbus"
	"github.com/corebus/dbus/fragments"
)

// BatteryPlain is a status message whose optional attributes live in
// a map: key 1 is the charge percentage, key 2 the vendor.
type BatteryPlain struct {
	Device string
	Attrs  map[uint8]dbus.Variant
}

// BatteryTyped is the same message, with the known attributes bound
// to struct fields.
type BatteryTyped struct {
	Device string
	Charge uint8  `dbus:"key=1"`
	Vendor string `dbus:"key=2"`

	Other map[uint8]dbus.Variant `dbus:"vardict"`
}

func ExampleMarshal_vardict() {
	plain := BatteryPlain{
		Device: "BAT0",
		Attrs: map[uint8]dbus.Variant{
			1: {uint8(87)},
			2: {"ACME"},
		},
	}
	typed := BatteryTyped{
		Device: "BAT0",
		Charge: 87,
		Vendor: "ACME",
	}

	a, err := dbus.Marshal(plain, fragments.LittleEndian)
	if err != nil {
		log.Fatal(err)
	}
	b, err := dbus.Marshal(typed, fragments.LittleEndian)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(bytes.Equal(a, b))
	// Output: true
}

func ExampleUnmarshal_vardict() {
	raw, err := dbus.Marshal(BatteryPlain{
		Device: "BAT1",
		Attrs: map[uint8]dbus.Variant{
			1:  {uint8(12)},
			42: {"firmware 3"},
		},
	}, fragments.BigEndian)
	if err != nil {
		log.Fatal(err)
	}

	var got BatteryTyped
	if err := dbus.Unmarshal(raw, fragments.BigEndian, &got); err != nil {
		log.Fatal(err)
	}
	fmt.Println(got.Device, got.Charge, got.Vendor == "", got.Other[42].Value)
	// Output: BAT1 12 true firmware 3
}

func ExampleConn_Export() {
	ctx := context.Background()
	conn, err := dbus.SessionBus(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	err = conn.Export("/org/example/Greeter", "org.example.Greeter", &dbus.InterfaceImpl{
		Methods: map[string]any{
			"Greet": func(ctx context.Context, path dbus.ObjectPath, name string) (string, error) {
				return "hello " + name, nil
			},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	greeter := conn.Peer(conn.LocalName()).Object("/org/example/Greeter").Interface("org.example.Greeter")
	reply, err := dbus.Call[string](ctx, greeter, "Greet", "world")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(reply)
}
