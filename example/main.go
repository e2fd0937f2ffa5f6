package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	ptufallback "github.com/Not-Diamond/go-ptufallback"
	"github.com/Not-Diamond/go-ptufallback/pkg/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg, err := config.Load(os.Getenv("PTUFALLBACK_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	transport, err := ptufallback.NewTransport(cfg)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}
	defer transport.Client().Close()

	deployment := os.Getenv("AZURE_DEPLOYMENT")
	if deployment == "" {
		deployment = "gpt-4"
	}

	// Any OpenAI-compatible client can use the transport; the URL only needs
	// to name the deployment.
	httpClient := &http.Client{Transport: transport}

	payload, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{
			{"role": "system", "content": "Extract the order number as JSON."},
			{"role": "user", "content": "Hi, I'm writing about order 12345, it never arrived."},
		},
		"max_tokens":  256,
		"temperature": 0,
	})

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions", cfg.Primary.APIBase, deployment)
	req, err := http.NewRequest("POST", url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Served by: %s\n", resp.Header.Get("X-Served-By"))
	fmt.Printf("Response: %s\n", body)
}
