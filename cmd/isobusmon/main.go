package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/aldas/go-isobus/logger"
	"github.com/aldas/go-isobus/network"
	"github.com/aldas/go-isobus/serialcan"
	"github.com/aldas/go-isobus/socketcan"
	"gopkg.in/yaml.v3"
)

func main() {
	driverType := flag.String("driver", "socketcan", "hardware driver type (socketcan, slcan)")
	deviceAddr := flag.String("device", "can0", "SocketCAN interface name or path to SLCAN serial device")
	baudRate := flag.Int("baud", 115200, "SLCAN serial device baud rate")
	configPath := flag.String("config", "", "path to YAML file with stack configuration")
	printRaw := flag.Bool("raw", false, "print raw frames in addition to assembled messages")
	pgnFilter := flag.String("filter", "", "comma separated list of PGNs to print (empty prints all)")
	sourceFilter := flag.String("source", "", "comma separated list of source addresses to filter")
	claimAddress := flag.Int("claim", -1, "claim internal control function at given preferred address (0-253), -1 disables")
	identity := flag.Uint("identity", 1, "identity number for internal control function NAME")
	manufacturer := flag.Uint("manufacturer", 1857, "manufacturer code for internal control function NAME")
	verbose := flag.Bool("verbose", false, "enable stack internal logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := isobus.Config{}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("failed to read config file: %v\n", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("failed to parse config file: %v\n", err)
		}
	}
	if err := cfg.Valid(); err != nil {
		log.Fatal(err)
	}

	var driver isobus.Driver
	switch *driverType {
	case "socketcan":
		driver = socketcan.NewDevice(*deviceAddr)
	case "slcan":
		driver = serialcan.NewDevice(*deviceAddr, *baudRate)
	default:
		log.Fatalf("unknown driver type: %v\n", *driverType)
	}

	net, err := network.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if *verbose {
		l := logger.New("isobusmon ")
		l.LogMode(true)
		net.SetLogger(l)
	}
	channel := net.AttachDriver(driver)

	pgns, err := parseNumberList(*pgnFilter)
	if err != nil {
		log.Fatalf("invalid pgn filter given, %v\n", err)
	}
	sources, err := parseNumberList(*sourceFilter)
	if err != nil {
		log.Fatalf("invalid source filter given, %v\n", err)
	}

	if *printRaw {
		if err := net.SetFrameHooks(channel,
			func(f isobus.RawFrame) {
				fmt.Printf("# RX %08X [%d] %s\n", f.Header.Uint32(), f.Length, strings.ToUpper(hex.EncodeToString(f.Data[:f.Length])))
			},
			func(f isobus.RawFrame) {
				fmt.Printf("# TX %08X [%d] %s\n", f.Header.Uint32(), f.Length, strings.ToUpper(hex.EncodeToString(f.Data[:f.Length])))
			},
		); err != nil {
			log.Fatal(err)
		}
	}

	net.OnAddressClaimed(func(cf *network.ControlFunction) {
		fmt.Printf("# claimed address %v (0x%02X)\n", cf.Address(), cf.Address())
	})
	net.OnCannotClaimAddress(func(cf *network.ControlFunction) {
		fmt.Printf("# could not claim any address, traffic is suppressed\n")
	})

	if *claimAddress >= 0 {
		name := isobus.Name(isobus.NameFields{
			IdentityNumber:          uint32(*identity),
			ManufacturerCode:        uint16(*manufacturer),
			FunctionCode:            130, // unspecified system monitor
			IndustryGroup:           2,   // agricultural equipment
			ArbitraryAddressCapable: true,
		})
		if _, err := net.CreateInternalControlFunction(name, uint8(*claimAddress), channel); err != nil {
			log.Fatal(err)
		}
	}

	printer := messagePrinter{pgns: pgns, sources: sources}
	net.AddAnyPGNCallback(printer.print)

	if err := net.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := net.Close(); err != nil {
			fmt.Printf("# close error: %v\n", err)
		}
	}()

	ticker := time.NewTicker(cfg.PeriodicUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			net.Update()
		}
	}
}

type messagePrinter struct {
	pgns    []uint32
	sources []uint32
}

type printedMessage struct {
	Time        string `json:"time"`
	PGN         uint32 `json:"pgn"`
	Priority    uint8  `json:"priority"`
	Source      uint8  `json:"source"`
	Destination uint8  `json:"destination"`
	Length      int    `json:"length"`
	Data        string `json:"data"`
}

func (p messagePrinter) print(msg isobus.Message) {
	if len(p.pgns) > 0 && !contains(p.pgns, msg.Header.PGN) {
		return
	}
	if len(p.sources) > 0 && !contains(p.sources, uint32(msg.Header.Source)) {
		return
	}
	out, err := json.Marshal(printedMessage{
		Time:        msg.Time.Format(time.RFC3339Nano),
		PGN:         msg.Header.PGN,
		Priority:    msg.Header.Priority,
		Source:      msg.Header.Source,
		Destination: msg.Header.Destination,
		Length:      len(msg.Data),
		Data:        strings.ToUpper(hex.EncodeToString(msg.Data)),
	})
	if err != nil {
		fmt.Printf("# failed to marshal message: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func contains(haystack []uint32, needle uint32) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// parseNumberList parses comma separated list of decimal or hex (0x prefixed) numbers
func parseNumberList(raw string) ([]uint32, error) {
	if raw == "" {
		return nil, nil
	}
	var result []uint32
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		value, err := strconv.ParseUint(part, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", part, err)
		}
		result = append(result, uint32(value))
	}
	return result, nil
}
