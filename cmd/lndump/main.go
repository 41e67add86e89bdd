// lndump decodes captured LocoNet traffic. Input is whitespace-separated
// hex bytes, one capture per file or stdin; output is one line per
// decoded frame.
//
// Usage:
//
//	lndump [capture.txt]
//	cat capture.txt | lndump
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"loconetd/pkg/loconet"
)

func main() {
	var in io.Reader = os.Stdin
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "lndump: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	var dec loconet.StreamDecoder
	frames := 0
	scanner := bufio.NewScanner(in)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		v, err := strconv.ParseUint(word, 16, 8)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lndump: skipping %q\n", word)
			continue
		}
		m, err := dec.Feed(byte(v))
		if err != nil {
			fmt.Printf("!! %v\n", err)
		}
		if m != nil {
			frames++
			fmt.Printf("%-12s %-24s %s\n", m.Opcode(), m, describe(m))
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "lndump: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "%d frames, %d framing errors, %d checksum errors\n",
		frames, dec.FramingErrors, dec.ChecksumErrors)
}

// describe renders the decoded payload of the common frame types.
func describe(m loconet.Message) string {
	switch m.Opcode() {
	case loconet.OpcGPOn:
		return "track power on"
	case loconet.OpcGPOff:
		return "track power off"
	case loconet.OpcIdle:
		return "emergency stop"
	case loconet.OpcLocoAdr:
		return fmt.Sprintf("acquire slot for address %d", m.LocoAdrAddress())
	case loconet.OpcLocoSpd:
		return fmt.Sprintf("slot %d speed %d", m[1], m.LocoSpdSpeed())
	case loconet.OpcLocoDirF:
		return fmt.Sprintf("slot %d direction %s f0=%v f1=%v f2=%v f3=%v f4=%v",
			m[1], m.DirFDirection(),
			m.DirFFunction(0), m.DirFFunction(1), m.DirFFunction(2),
			m.DirFFunction(3), m.DirFFunction(4))
	case loconet.OpcLocoSnd:
		return fmt.Sprintf("slot %d f5=%v f6=%v f7=%v f8=%v",
			m[1], m.FunctionNibble(0), m.FunctionNibble(1),
			m.FunctionNibble(2), m.FunctionNibble(3))
	case loconet.OpcLocoF9F12:
		return fmt.Sprintf("slot %d f9=%v f10=%v f11=%v f12=%v",
			m[1], m.FunctionNibble(0), m.FunctionNibble(1),
			m.FunctionNibble(2), m.FunctionNibble(3))
	case loconet.OpcSwReq, loconet.OpcSwRep:
		addr, _ := m.SwitchOutputAddress()
		return fmt.Sprintf("switch %d closed=%v on=%v (output %d)",
			m.SwitchNum()+1, m.SwitchClosed(), m.SwitchOn(), addr)
	case loconet.OpcInputRep:
		return fmt.Sprintf("input %d = %v", m.InputAddress(), m.InputValue())
	case loconet.OpcLongAck:
		return fmt.Sprintf("ack for %s code %d", m.LongAckOpcode(), m.LongAckCode())
	case loconet.OpcMultiSense:
		if m.MultiSensePresent() {
			return fmt.Sprintf("transponder zone %d loco %d",
				m.MultiSenseZone(), m.MultiSenseLocoAddress())
		}
		return "transponder absent"
	case loconet.OpcSlRdData, loconet.OpcWrSlData:
		if m.IsFastClock() {
			c := m.FastClockTime()
			return fmt.Sprintf("fast clock %02d:%02d x%d", c.Hour, c.Minute, c.Multiplier)
		}
		if m.IsSlotData() {
			return fmt.Sprintf("slot %d address %d speed %d",
				m.SlotDataSlot(), m.SlotDataAddress(), m.SlotDataSpeed())
		}
	case loconet.OpcPeerXfer:
		if m.IsLNCVReply() {
			return fmt.Sprintf("lncv reply module %d lncv %d = %d",
				m.LNCVModuleID(), m.LNCVNumber(), m.LNCVValue())
		}
	case loconet.OpcImmPacket:
		if m.IsLNCVRequest() {
			return fmt.Sprintf("lncv request module %d lncv %d value %d",
				m.LNCVModuleID(), m.LNCVNumber(), m.LNCVValue())
		}
	}
	return ""
}
