// Command daqd brings up one HTTP process exposing a Mainframe of device
// Nodes, with a run/mkconf/conf/version command surface.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	yml "github.com/go-yaml/yaml"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/daq/corefw/daqcfg"
	"github.jpl.nasa.gov/daq/corefw/driver"
	"github.jpl.nasa.gov/daq/corefw/measurement"
	"github.jpl.nasa.gov/daq/corefw/module"
	"github.jpl.nasa.gov/daq/corefw/server"
	"github.jpl.nasa.gov/daq/corefw/stream"
)

var (
	// Version is injected at build time via -ldflags.
	Version = "dev"

	// ConfigFileName is the fleet config daqd reads on startup.
	ConfigFileName = "daqd.yml"

	k = koanf.New(".")
)

func loadConfig() FleetConfig {
	k.Load(structs.Provider(defaultFleetConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
	var c FleetConfig
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatalf("error unmarshaling config: %v", err)
	}
	return c
}

func mkconf() {
	c := defaultFleetConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("daqd version %v\n", Version)
}

func root() {
	fmt.Println(`daqd brings up device drivers and exposes their control surface over HTTP.

Usage:
	daqd <command>

Commands:
	run
	mkconf
	conf
	version`)
}

// newSpinner reports progress through daqd's multi-device startup sequence.
func newSpinner(msg string) *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Fatalf("spinner: %v", err)
	}
	return s
}

// bringUp wires one DeviceEntry into a server.Node: loads its declarative
// config, dials its connection, builds a Driver and Module, and optionally a
// simulated continuous-acquisition Stream when the entry asks for one.
func bringUp(entry DeviceEntry) (*server.Node, error) {
	cfg, err := daqcfg.Load(entry.ConfigPath)
	if err != nil {
		return nil, err
	}

	rd, err := dial(entry, cfg.Connection)
	if err != nil {
		return nil, err
	}

	d, err := driver.New(cfg, rd, entry.Address)
	if err != nil {
		return nil, err
	}

	m := module.New(entry.Name)

	var strm *stream.ContinuousStream
	if entry.Acquisition != nil {
		acq := buildSimStream(entry.Acquisition)
		batchSize := entry.Acquisition.BatchSize
		if batchSize == 0 {
			batchSize = 16
		}
		strm = stream.New(acq, streamCommandFrom(entry.Acquisition), batchSize)
	}

	mb := measurement.NewBroadcast(32)
	core := server.NewCore(d, m, strm, mb)

	return &server.Node{RouteTable: core.RT(), URLStem: entry.URLStem}, nil
}

func run() {
	c := loadConfig()

	spin := newSpinner("bringing up devices")
	spin.Start()

	mf := &server.Mainframe{}
	for _, entry := range c.Devices {
		spin.Message("bringing up " + entry.Name)
		node, err := bringUp(entry)
		if err != nil {
			spin.StopFailMessage(entry.Name + ": " + err.Error())
			spin.StopFail()
			log.Fatalf("failed to bring up %s: %v", entry.Name, err)
		}
		mf.Add(node)
	}
	spin.StopMessage(fmt.Sprintf("%d device(s) online", len(c.Devices)))
	spin.Stop()

	mux := mf.NewRouter()
	log.Printf("daqd listening at %s", c.ListenAddr)
	log.Fatal(http.ListenAndServe(c.ListenAddr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	switch strings.ToLower(args[1]) {
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
