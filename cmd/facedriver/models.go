package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/live2d-driver/facedriver/internal/api"
	"github.com/live2d-driver/facedriver/internal/catalog"
	"github.com/live2d-driver/facedriver/internal/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the avatar models the backend serves",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runModels(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := api.New(config.GetString("api.serverUrl"), config.GetString("api.apiKey"))
	if err := client.Healthcheck(ctx); err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}

	models, err := catalog.New(client).Load(ctx)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	if len(models) == 0 {
		fmt.Println("No models found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH")
	fmt.Fprintln(w, "----\t----")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\n", m.Name, m.Path)
	}
	return w.Flush()
}
