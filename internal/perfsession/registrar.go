package perfsession

import "github.com/kernelevent/tracehdr/internal/userevents"

// ProviderRegistrar is the narrow surface a Session needs to bring a
// user_events tracepoint into existence before its format file can be
// read. Only the data shape (userevents.Registration) crosses the
// package boundary; the ioctl mechanics behind Register/Unregister
// stay entirely inside package userevents. *userevents.Provider
// satisfies this interface.
type ProviderRegistrar interface {
	Register(name string, fields []string) (*userevents.Registration, error)
	Unregister(reg *userevents.Registration) error
}
