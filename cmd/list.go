package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/detector/internal/store"
	"github.com/andresmejia3/detector/internal/utils"
)

var listDBURL string

var listCmd = &cobra.Command{
	Use:   "list [image-id]",
	Short: "List stored detection results, or the objects found in one image",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := connectDB(cmd.Context(), resolveDBURL(listDBURL, getenv, defaultDBURL))
		if err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		defer closeDB(db)

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				utils.Die("Invalid image id", err, nil)
			}
			runListDetections(cmd.Context(), db, id)
			return
		}
		runList(cmd.Context(), db)
	},
}

func init() {
	addDBFlag(listCmd, &listDBURL)
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, db *store.Store) {
	images, err := db.ListImages(ctx)
	if err != nil {
		utils.Die("Failed to list images", err, nil)
	}

	if len(images) == 0 {
		fmt.Println("No results found in database.")
		return
	}
	printImages(os.Stdout, images)
}

func printImages(out io.Writer, images []store.ImageSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tMODEL\tSIZE\tOBJECTS\tPROCESSED")
	fmt.Fprintln(w, "--\t----\t-----\t----\t-------\t---------")

	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%s\n", img.ID, img.Path, img.Model, img.Width, img.Height,
			img.Detections, img.ProcessedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runListDetections(ctx context.Context, db *store.Store, id uuid.UUID) {
	dets, err := db.Detections(ctx, id)
	if err != nil {
		utils.Die("Failed to list detections", err, nil)
	}
	if len(dets) == 0 {
		fmt.Printf("No objects stored for %s.\n", id)
		return
	}
	printDetections(os.Stdout, dets)
}

func printDetections(out io.Writer, dets []store.Detection) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tLABEL\tBOX")
	fmt.Fprintln(w, "-\t-----\t---")
	for _, d := range dets {
		fmt.Fprintf(w, "%d\t%s\t[%d %d %d %d]\n", d.Index, d.Label, d.Box[0], d.Box[1], d.Box[2], d.Box[3])
	}
	w.Flush()
}
