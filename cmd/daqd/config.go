package main

import (
	"time"

	"github.com/tarm/serial"

	"github.jpl.nasa.gov/daq/corefw/acquisition"
	"github.jpl.nasa.gov/daq/corefw/acquisition/dmabuf"
	"github.jpl.nasa.gov/daq/corefw/comm"
	"github.jpl.nasa.gov/daq/corefw/daqcfg"
	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

// AcquisitionEntry configures an optional simulated continuous-acquisition
// stream for a device, since corefw carries no real kernel-buffer device
// constructor (only dmabuf.SimDevice) to ioctl against.
type AcquisitionEntry struct {
	BufferSize     int   `koanf:"buffer_size"`
	ScanIntervalNs int64 `koanf:"scan_interval_ns"`
	BatchSize      int   `koanf:"batch_size"`
	Channels       []int `koanf:"channels"`
}

// DeviceEntry is one managed device/module pair: where its declarative
// config lives, how to reach it, and where to mount its Core on the HTTP
// mux.
type DeviceEntry struct {
	Name        string            `koanf:"name"`
	ConfigPath  string            `koanf:"config_path"`
	URLStem     string            `koanf:"url_stem"`
	Address     string            `koanf:"address"`
	Acquisition *AcquisitionEntry `koanf:"acquisition"`
}

// FleetConfig is the top-level daqd.yml shape: one HTTP listen address and
// the list of devices to bring up.
type FleetConfig struct {
	ListenAddr string        `koanf:"listen_addr"`
	Devices    []DeviceEntry `koanf:"devices"`
}

func defaultFleetConfig() FleetConfig {
	return FleetConfig{ListenAddr: ":8080"}
}

func parity(s string) serial.Parity {
	switch s {
	case "odd", "O":
		return serial.ParityOdd
	case "even", "E":
		return serial.ParityEven
	default:
		return serial.ParityNone
	}
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.Stop2
	}
	return serial.Stop1
}

// dial opens the connection a DeviceEntry's own daqcfg.Connection section
// describes, building a comm.RemoteDevice (pick TCP or serial, set
// terminators) and opening it before returning.
func dial(entry DeviceEntry, conn daqcfg.Connection) (*comm.RemoteDevice, error) {
	term := &comm.Terminators{Rx: comm.DefaultTerminator, Tx: comm.DefaultTerminator}
	if conn.RxTerminator != "" {
		term.Rx = conn.RxTerminator[0]
	}
	if conn.TxTerminator != "" {
		term.Tx = conn.TxTerminator[0]
	}

	isSerial := conn.Transport == "serial"
	var serCfg *serial.Config
	if isSerial {
		baud := conn.Baud
		if baud == 0 {
			baud = 9600
		}
		serCfg = &serial.Config{
			Name:        entry.Address,
			Baud:        baud,
			Parity:      parity(conn.Parity),
			StopBits:    stopBits(conn.StopBits),
			ReadTimeout: time.Second,
		}
	}

	rd := comm.NewRemoteDevice(entry.Address, isSerial, term, serCfg)
	if err := rd.Open(); err != nil {
		return nil, daqerr.Wrap(daqerr.Transport, err, "dial "+entry.Name+" at "+entry.Address)
	}
	return &rd, nil
}

func buildSimStream(a *AcquisitionEntry) *acquisition.Acquisition {
	bufSize := a.BufferSize
	if bufSize == 0 {
		bufSize = 4096
	}
	return acquisition.New(dmabuf.NewSimDevice(bufSize))
}

func streamCommandFrom(a *AcquisitionEntry) acquisition.StreamCommand {
	channels := make([]dmabuf.Channel, 0, len(a.Channels))
	for _, id := range a.Channels {
		channels = append(channels, dmabuf.Channel{ID: id, RangeIdx: 0, BitsWide: 16})
	}
	interval := a.ScanIntervalNs
	if interval == 0 {
		interval = 1_000_000
	}
	return acquisition.StreamCommand{
		Channels:       channels,
		StartTrigger:   acquisition.StartSoftware,
		ScanTrigger:    acquisition.ScanInternalTimer,
		ScanIntervalNs: uint64(interval),
		Stop:           acquisition.StopCondition{Kind: acquisition.StopContinuous},
		BufferSize:     a.BufferSize,
	}
}
