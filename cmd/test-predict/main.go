package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/predict"
)

func main() {
	var (
		endpoint = flag.String("endpoint", "http://localhost:1311", "Prediction service base URL")
		email    = flag.String("email", "", "Session email sent with the request")
		timeout  = flag.Duration("timeout", 30*time.Second, "Request timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	log, err := logger.New(logger.LogConfig{
		Level:  "debug",
		Format: "text",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer file.Close()

	client := predict.NewClient(predict.ClientConfig{
		Endpoint: *endpoint,
		Timeout:  *timeout,
	}, log)

	fmt.Printf("Submitting %s to %s\n", path, client.Endpoint())

	start := time.Now()
	res, err := client.Predict(context.Background(), predict.Payload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Body:        file,
		Email:       *email,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prediction failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	label := res.Label
	if label == "" {
		label = "(none)"
	}
	fmt.Printf("  Result:   %s\n", label)
	fmt.Printf("  Score:    %.2f\n", res.Score)
	if res.Message != "" {
		fmt.Printf("  Message:  %s\n", res.Message)
	}
	if res.ImagePath != "" {
		fmt.Printf("  Image:    %s\n", res.ImagePath)
	}
	fmt.Printf("  Took:     %v\n", time.Since(start).Round(time.Millisecond))

	if res.IsFire() {
		fmt.Println("\nFIRE detected, the fire view (/result) would be shown")
	} else {
		fmt.Println("\nNo fire, the no-fire view (/final) would be shown")
	}
}
