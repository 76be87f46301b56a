// Command pn532-diag is a standalone diagnostic tool for exercising a
// PN532 HSU connection from the command line: reset, firmware query,
// and a single tag-detect cycle, without running the full reader
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/nfcbridge/pn532reader/pkg/pn532"
)

func main() {
	port := flag.String("port", "/dev/ttyAMA0", "serial port device")
	resetPin := flag.Int("reset-pin", 17, "reset line GPIO pin number (BCM)")
	detectTimeout := flag.Duration("detect-timeout", 2*time.Second, "tag detection timeout")
	flag.Parse()

	fmt.Println("PN532 Diagnostic Tool")
	fmt.Printf("  Port: %s\n", *port)
	fmt.Printf("  Reset pin: GPIO%d\n", *resetPin)
	fmt.Println()

	if err := rpio.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open GPIO memory map: %v\n", err)
		os.Exit(1)
	}
	defer rpio.Close()

	type closer interface{ Close() error }

	uartIface, err := pn532.OpenSerialUART(pn532.SerialPortConfig{Port: *port})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open serial port %s: %v\n", *port, err)
		os.Exit(1)
	}
	if c, ok := uartIface.(closer); ok {
		defer c.Close()
	}

	reset := pn532.OpenRPIOResetPin(*resetPin)

	ctrl := pn532.NewController(uartIface, reset, pn532.DefaultConfig())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Println("Resetting and configuring PN532...")
	if err := ctrl.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init failed: %v\n", err)
		os.Exit(1)
	}

	if fw := ctrl.Firmware(); fw != nil {
		fmt.Printf("Firmware: IC=0x%02X ver=%d.%d support=0x%02X\n", fw.IC, fw.Ver, fw.Rev, fw.Support)
	}

	fmt.Printf("Waiting up to %v for a tag...\n", *detectTimeout)
	detectCtx, detectCancel := context.WithTimeout(ctx, *detectTimeout)
	defer detectCancel()

	tag, err := ctrl.DetectTag(detectCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No tag detected: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Tag detected: %s\n", tag.String())
	if tag.SupportsISO14443_4() {
		fmt.Println("  Supports ISO14443-4 (smartcard-class)")
	}

	if err := ctrl.ReleaseTag(ctx, tag.TargetNumber); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to release tag: %v\n", err)
	}
}
