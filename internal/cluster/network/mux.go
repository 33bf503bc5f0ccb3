package network

import (
	"fmt"
	"net"

	"github.com/rqlite/rqlite/v8/tcp"
)

// NewNodeMux creates a new instance of TCP multiplexer listening on address.
// Multiplexer can route its connections based on a header byte.
func NewNodeMux(address string) (*tcp.Mux, net.Listener, error) {
	muxLn, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %s", address, err.Error())
	}
	mux, err := startNodeMux(address, muxLn)
	if err != nil {
		muxLn.Close()
		return nil, nil, fmt.Errorf("failed to start node mux: %s", err.Error())
	}
	return mux, muxLn, nil
}

// startNodeMux starts the TCP mux on the given listener, which should be already
// bound to the relevant interface.
func startNodeMux(address string, ln net.Listener) (*tcp.Mux, error) {
	var adv net.Addr
	if advertised(address) {
		adv = tcp.NameAddress{
			Address: address,
		}
	}

	mux, err := tcp.NewMux(ln, adv)
	if err != nil {
		return nil, fmt.Errorf("failed to create node-to-node mux: %s", err.Error())
	}
	go func() {
		// Serve returns once the listener is closed
		_ = mux.Serve()
	}()
	return mux, nil
}

// advertised reports whether address can be handed to other nodes as is,
// addresses without a host or with an ephemeral port advertise the bound
// listener address instead.
func advertised(address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	return host != "" && port != "0"
}
