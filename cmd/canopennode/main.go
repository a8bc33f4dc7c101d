// Command canopennode runs a single CiA-301 node against a CAN
// interface, configured from an EDS file. It demonstrates the tick
// entry points a host application wires into its own scheduling: one
// cooperative main loop invoking Process, ProcessSyncRPDO and
// ProcessTPDO in that order.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen"
	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

func main() {
	log.SetLevel(log.InfoLevel)

	interfaceName := flag.String("i", "can0", "CAN interface name, e.g. can0, vcan0")
	nodeId := flag.Int("n", 0x20, "node id (1-127)")
	edsPath := flag.String("p", "", "EDS file path")
	busType := flag.String("b", "socketcan", `bus driver to use ("socketcan" or "virtual")`)
	flag.Parse()

	if *edsPath == "" {
		fmt.Println("an EDS file path is required, see -p")
		os.Exit(1)
	}

	bus, err := can.NewBus(*busType, *interfaceName, 0)
	if err != nil {
		fmt.Printf("could not open %v interface %v: %v\n", *busType, *interfaceName, err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		fmt.Printf("could not connect to %v: %v\n", *interfaceName, err)
		os.Exit(1)
	}

	dict, err := od.ParseEDS(*edsPath, uint8(*nodeId))
	if err != nil {
		fmt.Printf("error loading EDS: %v\n", err)
		os.Exit(1)
	}

	node, err := canopen.NewNode(bus, dict, uint8(*nodeId))
	if err != nil {
		fmt.Printf("failed to initialize node: %v\n", err)
		os.Exit(1)
	}

	runLoop(node)
}

// runLoop drives all three tick entry points from one goroutine, in
// order: the millisecond Process tick, then the microsecond-resolution
// SYNC/RPDO tick, then the TPDO tick. Everything the node does runs in
// this single cooperative loop; only the bus driver's receive path is
// outside it.
func runLoop(node *canopen.Node) {
	const period = time.Millisecond
	lastMain := time.Now()
	lastCycle := lastMain
	for {
		now := time.Now()

		if elapsedMs := uint32(now.Sub(lastMain).Milliseconds()); elapsedMs > 0 {
			lastMain = lastMain.Add(time.Duration(elapsedMs) * time.Millisecond)
			reset, err := node.Process(elapsedMs)
			if err != nil {
				log.Warnf("node process error: %v", err)
			}
			if reset != canopen.ResetNot {
				log.Infof("node requested reset: %v", reset)
			}
		}

		elapsedUs := uint32(now.Sub(lastCycle).Microseconds())
		lastCycle = now
		syncOccurred := node.ProcessSyncRPDO(elapsedUs)
		node.ProcessTPDO(elapsedUs, syncOccurred)

		time.Sleep(period)
	}
}
