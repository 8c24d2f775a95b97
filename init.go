package dbus

func init() {
	RegisterSignalType[NameOwnerChanged](ifaceBus, "NameOwnerChanged")
	RegisterSignalType[NameLost](ifaceBus, "NameLost")
	RegisterSignalType[NameAcquired](ifaceBus, "NameAcquired")

	RegisterSignalType[PropertiesChanged](ifaceProps, "PropertiesChanged")

	RegisterSignalType[InterfacesAdded]("org.freedesktop.DBus.ObjectManager", "InterfacesAdded")
	RegisterSignalType[InterfacesRemoved]("org.freedesktop.DBus.ObjectManager", "InterfacesRemoved")
}
