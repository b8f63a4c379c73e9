package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/config"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/discovery"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/network"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	if err := store.EnsureSettings(models.AppSettings{
		DeviceName:           cfg.DeviceName,
		DeviceID:             cfg.DeviceID,
		SaveDirectory:        cfg.SaveDirectory,
		NotificationsEnabled: true,
	}); err != nil {
		log.Fatalf("startup failed while seeding settings: %v", err)
	}

	manager, err := network.NewManager(network.Options{
		LocalDevice: cfg.LocalDevice(),
		Store:       store,
		Callbacks: network.Callbacks{
			OnConnectionStateChange: func(state network.ConnectionState) {
				log.Printf("connection: status=%s step=%s err=%q", state.Status, state.PairingStep, state.Error)
			},
			OnTransferProgress: func(progress *models.TransferProgress) {
				if progress != nil {
					log.Printf("transfer: %s %s %d/%d bytes", progress.Direction, progress.FileName,
						progress.BytesTransferred, progress.TotalBytes)
				}
			},
			OnTransferComplete: func(transfer models.Transfer) {
				log.Printf("transfer complete: %s %s from/to %s", transfer.Kind, transfer.FileName, transfer.DeviceName)
			},
			OnTextReceived: func(content string, from models.DeviceInfo) {
				log.Printf("text from %s: %s", from.Name, content)
			},
			OnPairingRequest: func(from models.DeviceInfo) {
				log.Printf("pairing request from %s (%s); supply a passphrase to continue", from.Name, from.ID)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating connection manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while binding listener: %v", err)
	}
	defer manager.Stop()

	localDevice := cfg.LocalDevice()
	localDevice.Port = manager.Port()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Platform:        %s\n", cfg.Platform)
	fmt.Printf("Listening Port:  %d\n", localDevice.Port)
	fmt.Printf("Save Directory:  %s\n", cfg.SaveDirectory)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	go logManagerErrors(manager.Errors())

	discoveryService, err := discovery.Start(discovery.Config{LocalDevice: localDevice})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(discoveryService.Scanner.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logManagerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("network: %v", err)
	}
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventDeviceFound:
			log.Printf("discovery: device found id=%s name=%q host=%s port=%d",
				event.Device.ID, event.Device.Name, event.Device.Host, event.Device.Port)
		case discovery.EventDeviceLost:
			log.Printf("discovery: device lost id=%s", event.Device.ID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Device.ID)
		}
	}
}
