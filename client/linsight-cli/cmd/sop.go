package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var sopLibraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Manage the SOP library",
}

type sopItem struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Rating      int    `json:"rating"`
}

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the SOP library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("query", args[0])
		q.Set("k", fmt.Sprint(searchK))
		var resp struct {
			Data    []sopItem `json:"data"`
			Warning string    `json:"warning"`
		}
		if err := newAPI().do(http.MethodGet, "/sop/search?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		if resp.Warning != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", resp.Warning)
		}
		printSOPs(resp.Data)
		return nil
	},
}

var addName, addDescription string

var addCmd = &cobra.Command{
	Use:   "add [sop-file]",
	Short: "Add a markdown file to the SOP library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readFile(args[0])
		if err != nil {
			return err
		}
		name := addName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		var resp struct {
			SOP sopItem `json:"sop"`
		}
		err = newAPI().do(http.MethodPost, "/sop", map[string]interface{}{
			"name":        name,
			"description": addDescription,
			"content":     content,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("Added SOP %d (%s)\n", resp.SOP.ID, resp.SOP.Name)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the SOP vector index from the relational store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Indexed int `json:"indexed"`
		}
		if err := newAPI().do(http.MethodPost, "/sop/rebuild", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Indexed %d SOPs\n", resp.Indexed)
		return nil
	},
}

func printSOPs(items []sopItem) {
	if len(items) == 0 {
		fmt.Println("No SOPs found.")
		return
	}
	for _, s := range items {
		fmt.Printf("%-6d %-30s %s\n", s.ID, s.Name, s.Description)
	}
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", path, err)
	}
	return string(b), nil
}

func init() {
	rootCmd.AddCommand(sopLibraryCmd)
	sopLibraryCmd.AddCommand(searchCmd, addCmd, rebuildCmd)

	searchCmd.Flags().IntVar(&searchK, "k", 3, "number of SOPs to return")
	addCmd.Flags().StringVar(&addName, "name", "", "SOP name, defaults to the file name")
	addCmd.Flags().StringVar(&addDescription, "description", "", "SOP description")
}
