package vpcm

import (
	"fmt"
	"strings"
)

// info prints the device banner and a status block for every engine cred may read.
func (d *Device) info(cred Cred) string {
	var sb strings.Builder

	sb.WriteString(DeviceName + "\n")

	if len(d.engines) == 0 {
		sb.WriteString("No device pairs.\n")
	} else {
		fmt.Fprintf(&sb, "Number of device pairs: %d\n", len(d.engines))
	}

	hidden := 0
	for _, de := range d.engines {
		if de.node.Access(cred, ACCESS_READ) != nil {
			hidden++

			continue
		}

		writeEngineStatus(&sb, de)
	}

	if hidden > 0 {
		sb.WriteString("Some device pairs hidden due to insufficient permissions.\n")
	}

	return sb.String()
}

// writeEngineStatus prints one status block:
//
//	"name" -> /dev/vpcm1
//	  Host clients: 1
//	  Device node state: open for reading
//	  Configuration:
//		--playback
//		--rate=44100
//		...
func writeEngineStatus(sb *strings.Builder, de *deviceEngine) {
	e := de.engine

	arrow := "->"
	if e.props.Direction == DirectionRecord {
		arrow = "<-"
	}

	state := "closed"
	switch flags := e.IOFlags(); {
	case flags&OPEN_READ != 0:
		state = "open for reading"
	case flags&OPEN_WRITE != 0:
		state = "open for writing"
	}

	fmt.Fprintf(sb, "%q %s %s\n", e.props.Name, arrow, de.node.Path())
	fmt.Fprintf(sb, "  Host clients: %d\n", e.HostClients())
	fmt.Fprintf(sb, "  Device node state: %s\n", state)
	fmt.Fprintf(sb, "  Configuration:%s\n", e.props.Describe("\n\t--"))
}
