package main

import (
	"fmt"

	"github.com/banshee-data/cmdtlm/internal/config"
	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

// factories swaps the real device openers for tests.
type factories struct {
	serial iface.PortFactory
	udp    iface.UDPSocketFactory
}

// buildInterface creates the interface described by ic, applies its
// options and attaches raw logs when enabled.
func buildInterface(ic config.InterfaceConfig, f *factories, obs ...iface.Observer) (*iface.Interface, error) {
	if f == nil {
		f = &factories{}
	}
	proto, err := ic.BuildProtocol()
	if err != nil {
		return nil, err
	}
	var raw *rawlog.Pair
	if ic.RawLogDir != "" {
		raw, err = rawlog.NewPair(ic.Name, ic.RawLogDir, ic.GetRawLogEnabled(), ic.GetRawLogCycle())
		if err != nil {
			return nil, err
		}
	}
	var ifc *iface.Interface
	switch ic.Type {
	case config.TypeSerial:
		ifc, err = iface.NewSerial(ic.Name, iface.SerialConfig{
			WritePort: ic.WritePort,
			ReadPort:  ic.ReadPort,
			Options:   ic.GetSerial(),
		}, f.serial, proto, raw, obs...)
	case config.TypeTCP:
		ifc, err = iface.NewTCP(ic.Name, iface.TCPConfig{
			WriteAddress: ic.WriteAddress,
			ReadAddress:  ic.ReadAddress,
		}, proto, raw, obs...)
	case config.TypeUDP:
		ifc, err = iface.NewUDP(ic.Name, iface.UDPConfig{
			ListenAddress: ic.ListenAddress,
			WriteAddress:  ic.WriteAddress,
		}, f.udp, proto, raw, obs...)
	case config.TypePcap:
		ifc, err = iface.NewPcap(ic.Name, iface.PcapConfig{
			Path:     ic.Path,
			UDPPort:  ic.UDPPort,
			Realtime: ic.Realtime,
		}, proto, raw, obs...)
	default:
		return nil, fmt.Errorf("unknown interface type %q", ic.Type)
	}
	if err != nil {
		return nil, err
	}
	for name, values := range ic.Options {
		if err := ifc.SetOption(name, values); err != nil {
			return nil, fmt.Errorf("%s option %s: %w", ifc.Name(), name, err)
		}
	}
	return ifc, nil
}
