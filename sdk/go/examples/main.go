package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"OpenEcon-Agent/sdk/go/openecon"
)

// 向运行中的 openecond 提交一次异步咨询并等待结果。
// 用法: OPENECON_URL=http://localhost:8001 OPENECON_API_KEY=... go run ./sdk/go/examples "¿Cuál fue la TRM promedio en 2024?"
func main() {
	baseURL := os.Getenv("OPENECON_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	question := "¿Cuál fue la TRM promedio en 2024?"
	if len(os.Args) > 1 {
		question = os.Args[1]
	}

	client, err := openecon.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client.SetAPIKey(os.Getenv("OPENECON_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, openecon.TaskSubmission{Question: question})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("tarea %s encolada\n", submitted.ID)

	final, err := client.WaitForTask(ctx, submitted.ID, time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if final.Status != "succeeded" || final.Result == nil {
		fmt.Fprintf(os.Stderr, "tarea %s terminó en %s: %s\n", final.ID, final.Status, final.LastError)
		os.Exit(1)
	}
	fmt.Println(final.Result.Answer)
}
