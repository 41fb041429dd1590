// cmd/trustctl is the CLI entry-point built with Cobra.
//
// Usage:
//
//	trustctl peers add <peer-id> <multiaddr>     --server http://localhost:8080
//	trustctl peers list                          --server http://localhost:8080
//	trustctl experiences add eth 0xA 1000 1200 30 --server http://localhost:8080
//	trustctl trust get eth 0xA                   --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustmesh/node/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "trustctl",
		Short: "CLI client for a trust node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Trust node API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(peersCmd(), experiencesCmd(), trustCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── peers ────────────────────────────────────────────────────────────────

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage declared peers",
	}

	var name string
	var quality float64
	addCmd := &cobra.Command{
		Use:   "add <peer-id> <multiaddr>",
		Short: "Declare a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			p, err := c.AddPeer(context.Background(), client.Peer{
				PeerID: args[0], Multiaddr: args[1], Name: name, RecommenderQuality: quality,
			})
			if err != nil {
				return err
			}
			prettyPrint(p)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Human-readable label for this peer")
	addCmd.Flags().Float64Var(&quality, "quality", 0, "Initial recommender_quality in [-1, 1]")

	qualityCmd := &cobra.Command{
		Use:   "quality <peer-id> <value>",
		Short: "Set a declared peer's recommender_quality",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid quality %q: %w", args[1], err)
			}
			c := client.New(serverAddr, timeout)
			p, err := c.UpdatePeerQuality(context.Background(), args[0], q)
			if err != nil {
				return err
			}
			prettyPrint(p)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <peer-id>",
		Short: "Remove a declared peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.RemovePeer(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %q\n", args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List declared peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			list, err := c.ListPeers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(list)
			return nil
		},
	}

	connectedCmd := &cobra.Command{
		Use:   "connected",
		Short: "List currently connected peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			list, err := c.ConnectedPeers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(list)
			return nil
		},
	}

	selfCmd := &cobra.Command{
		Use:   "self",
		Short: "Print this node's own peer id",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			id, err := c.Self(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(id)
			return nil
		},
	}

	cmd.AddCommand(addCmd, qualityCmd, rmCmd, listCmd, connectedCmd, selfCmd)
	return cmd
}

// ─── experiences ──────────────────────────────────────────────────────────

func experiencesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiences",
		Short: "Manage recorded experiences",
	}

	var notes string
	addCmd := &cobra.Command{
		Use:   "add <id-domain> <agent-id> <investment> <return-value> <timeframe-days>",
		Short: "Record a direct interaction",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			investment, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid investment %q: %w", args[2], err)
			}
			returnValue, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return fmt.Errorf("invalid return-value %q: %w", args[3], err)
			}
			timeframeDays, err := strconv.ParseFloat(args[4], 64)
			if err != nil {
				return fmt.Errorf("invalid timeframe-days %q: %w", args[4], err)
			}

			c := client.New(serverAddr, timeout)
			exp, err := c.AddExperience(context.Background(), client.AddExperienceRequest{
				IDDomain: args[0], AgentID: args[1],
				Investment: investment, ReturnValue: returnValue, TimeframeDays: timeframeDays,
				Notes: notes,
			})
			if err != nil {
				return err
			}
			prettyPrint(exp)
			return nil
		},
	}
	addCmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")

	listCmd := &cobra.Command{
		Use:   "list <id-domain> <agent-id>",
		Short: "List recorded experiences for a target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			list, err := c.ListExperiences(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			prettyPrint(list)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an experience by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.DeleteExperience(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, rmCmd)
	return cmd
}

// ─── trust ────────────────────────────────────────────────────────────────

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Query trust scores",
	}

	var maxDepth int
	var forgetRate float64
	getCmd := &cobra.Command{
		Use:   "get <id-domain> <agent-id>",
		Short: "Query a single agent's trust score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.QueryOptions{ForgetRate: forgetRate}
			if cmd.Flags().Changed("max-depth") {
				opts.MaxDepth = &maxDepth
			}
			c := client.New(serverAddr, timeout)
			score, err := c.QueryTrust(context.Background(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			prettyPrint(score)
			return nil
		},
	}
	getCmd.Flags().IntVar(&maxDepth, "max-depth", 3, "Upper bound on recursive fan-out hops")
	getCmd.Flags().Float64Var(&forgetRate, "forget-rate", 0, "Per-year linear decay applied to older experiences")

	batchCmd := &cobra.Command{
		Use:   "batch <id-domain:agent-id> [id-domain:agent-id...]",
		Short: "Query several agents' trust scores in one round trip",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agents := make([]client.AgentRef, len(args))
			for i, a := range args {
				domain, agent, ok := splitOnce(a, ':')
				if !ok {
					return fmt.Errorf("invalid target %q: expected id-domain:agent-id", a)
				}
				agents[i] = client.AgentRef{IDDomain: domain, AgentID: agent}
			}
			opts := client.QueryOptions{ForgetRate: forgetRate}
			if cmd.Flags().Changed("max-depth") {
				opts.MaxDepth = &maxDepth
			}
			c := client.New(serverAddr, timeout)
			scores, err := c.QueryTrustBatch(context.Background(), agents, opts)
			if err != nil {
				return err
			}
			prettyPrint(scores)
			return nil
		},
	}
	batchCmd.Flags().IntVar(&maxDepth, "max-depth", 3, "Upper bound on recursive fan-out hops")
	batchCmd.Flags().Float64Var(&forgetRate, "forget-rate", 0, "Per-year linear decay applied to older experiences")

	cmd.AddCommand(getCmd, batchCmd)
	return cmd
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// ─── helpers ──────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
