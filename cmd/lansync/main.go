// Command lansync inspects and edits the local sync databases: queue status,
// peer states, and the documents being synchronized.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/trosyn/lansync/internal/config"
	"github.com/trosyn/lansync/internal/docstore"
	"github.com/trosyn/lansync/internal/secret"
	"github.com/trosyn/lansync/internal/storage"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lansync"
	}
	return filepath.Join(home, ".local", "share", "lansync")
}

func openQueue(dataDir string) (*storage.Store, error) {
	return storage.Open(filepath.Join(dataDir, "sync.db"))
}

func openDocs(dataDir string) (*docstore.Store, error) {
	return docstore.Open(filepath.Join(dataDir, "documents.db"))
}

func main() {
	var dataDir string

	app := &cli.App{
		Name:  "lansync",
		Usage: "Inspect and manage the local LAN sync node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data-dir",
				Aliases:     []string{"d"},
				Usage:       "Directory holding the sync databases",
				Value:       defaultDataDir(),
				EnvVars:     []string{"LANSYNC_DATA_DIR"},
				Destination: &dataDir,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the sync queue summary",
				Action: func(c *cli.Context) error {
					q, err := openQueue(dataDir)
					if err != nil {
						return err
					}
					defer q.Close()

					st, err := q.GetSyncStatus()
					if err != nil {
						return err
					}
					fmt.Printf("pending: %d\n", st.Pending)
					fmt.Printf("synced:  %d\n", st.Synced)
					for t, n := range st.ByType {
						fmt.Printf("  %s: %d\n", t, n)
					}
					if st.LastSync != nil {
						fmt.Printf("last sync: %s\n", st.LastSync.Local())
					} else {
						fmt.Println("last sync: never")
					}
					return nil
				},
			},
			{
				Name:  "nodes",
				Usage: "Show the last known sync state of every peer",
				Action: func(c *cli.Context) error {
					q, err := openQueue(dataDir)
					if err != nil {
						return err
					}
					defer q.Close()

					nodes, err := q.NodeStatuses()
					if err != nil {
						return err
					}
					if len(nodes) == 0 {
						fmt.Println("no peers seen yet")
						return nil
					}
					for _, n := range nodes {
						line := fmt.Sprintf("%s\t%s\t%s", n.NodeID, n.State, n.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
						if n.Detail != "" {
							line += "\t" + n.Detail
						}
						fmt.Println(line)
					}
					return nil
				},
			},
			{
				Name:  "queue",
				Usage: "List pending sync items",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum items to show"},
					&cli.IntFlag{Name: "max-retries", Value: 3, Usage: "Retry limit used by the worker"},
				},
				Action: func(c *cli.Context) error {
					q, err := openQueue(dataDir)
					if err != nil {
						return err
					}
					defer q.Close()

					items, err := q.GetPendingItems("", c.Int("limit"), c.Int("max-retries"))
					if err != nil {
						return err
					}
					if len(items) == 0 {
						fmt.Println("queue is empty")
						return nil
					}
					for _, item := range items {
						fmt.Printf("%s\t%s %s\tretries=%d", item.ItemID, item.Action, item.ItemType, item.RetryCount)
						if item.Error != "" {
							fmt.Printf("\t%s", item.Error)
						}
						fmt.Println()
					}
					return nil
				},
			},
			{
				Name:  "ls",
				Usage: "List synchronized documents",
				Action: func(c *cli.Context) error {
					docs, err := openDocs(dataDir)
					if err != nil {
						return err
					}
					defer docs.Close()

					all, err := docs.Documents()
					if err != nil {
						return err
					}
					for _, d := range all {
						marker := ""
						if d.Deleted {
							marker = " (deleted)"
						}
						fmt.Printf("%s\t%s\t%s\t%s%s\n", d.ID, d.Name, d.OwnerNode,
							d.UpdatedAt.Local().Format("2006-01-02 15:04:05"), marker)
					}
					return nil
				},
			},
			{
				Name:      "put",
				Usage:     "Store a file as a document version",
				ArgsUsage: "<document-id> <file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mime", Value: "application/octet-stream", Usage: "MIME type"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("usage: lansync put <document-id> <file>")
					}
					docID, file := c.Args().Get(0), c.Args().Get(1)
					content, err := os.ReadFile(file)
					if err != nil {
						return err
					}

					cfg, err := config.Load("")
					if err != nil {
						return err
					}
					docs, err := openDocs(dataDir)
					if err != nil {
						return err
					}
					defer docs.Close()

					e, err := docs.Put(docID, filepath.Base(file), c.String("mime"), cfg.Node.ID, content)
					if err != nil {
						return err
					}
					fmt.Printf("stored %s version %s (%d bytes, %s)\n", docID, e.VersionID, e.Size, e.VersionHash[:12])
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Print the current content of a document",
				ArgsUsage: "<document-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: lansync get <document-id>")
					}
					docs, err := openDocs(dataDir)
					if err != nil {
						return err
					}
					defer docs.Close()

					doc, err := docs.Get(c.Args().First())
					if err != nil {
						return err
					}
					content, err := docs.GetBytes(doc.ID, doc.CurrentVersion)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(content)
					return err
				},
			},
			{
				Name:  "secret",
				Usage: "Manage the shared signing secret",
				Subcommands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "Store the shared secret in the OS keyring",
						ArgsUsage: "<value>",
						Action: func(c *cli.Context) error {
							if c.NArg() != 1 {
								return fmt.Errorf("usage: lansync secret set <value>")
							}
							cfg, err := config.Load("")
							if err != nil {
								return err
							}
							service, user := cfg.Security.KeyringService, cfg.Security.KeyringUser
							if err := secret.Store(service, user, []byte(c.Args().First())); err != nil {
								return err
							}
							fmt.Printf("secret stored in keyring entry %s/%s\n", service, user)
							return nil
						},
					},
				},
			},
			{
				Name:      "rm",
				Usage:     "Soft-delete a document so peers stop receiving it",
				ArgsUsage: "<document-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: lansync rm <document-id>")
					}
					docs, err := openDocs(dataDir)
					if err != nil {
						return err
					}
					defer docs.Close()
					return docs.Delete(c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
