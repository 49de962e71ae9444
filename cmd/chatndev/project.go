package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/store"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects in the local database",
	}
	cmd.PersistentFlags().String("db", "", "sqlite database path (overrides config)")
	cmd.AddCommand(projectCreateCmd(), projectListCmd(), projectShowCmd(), projectAddMemberCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}
	return store.Open(expandHome(path))
}

func projectCreateCmd() *cobra.Command {
	var members []string
	var dirFlag string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project, optionally seeded from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(members) == 0 {
				return fmt.Errorf("at least one --member is required")
			}
			var tree filetree.Tree
			if dirFlag != "" {
				t, err := filetree.ReadDir(dirFlag)
				if err != nil {
					return err
				}
				tree = t
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.CreateProject(args[0], members, tree)
			if err != nil {
				return err
			}
			fmt.Println(p.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "user id allowed in the project (repeatable)")
	cmd.Flags().StringVar(&dirFlag, "dir", "", "seed the file tree from this directory")
	return cmd
}

func projectListCmd() *cobra.Command {
	var userFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userFlag == "" {
				return fmt.Errorf("--user is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			projects, err := st.ListProjectsForUser(userFlag)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("no projects")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMEMBERS\tUPDATED")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Name, len(p.Members), p.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a project as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetProject(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("project %s not found", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
}

func projectAddMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-member ID USER...",
		Short: "Add users to a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.AddMembers(args[0], args[1:])
		},
	}
}
