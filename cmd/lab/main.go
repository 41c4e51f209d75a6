package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	apiclient "github.com/42yash/pyk8s-labs/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandAuth("login", args)
	case "register":
		err = commandAuth("register", args)
	case "cluster":
		err = commandCluster(args)
	case "team":
		err = commandTeam(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandAuth(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.StringP("email", "e", "", "Email address")
	password := fs.StringP("password", "p", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	_ = fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret := *password
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	var resp apiclient.Session
	if name == "register" {
		resp, err = client.Signup(ctx, *email, secret)
	} else {
		resp, err = client.Login(ctx, *email, secret)
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.Email = resp.User.Email
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", resp.User.Email)
	return nil
}

func commandCluster(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: lab cluster [list|create|delete|kubeconfig|shell]")
	}
	switch args[0] {
	case "list", "ls":
		return clusterList(args[1:])
	case "create":
		return clusterCreate(args[1:])
	case "delete", "rm":
		return clusterDelete(args[1:])
	case "kubeconfig":
		return clusterKubeconfig(args[1:])
	case "shell":
		return clusterShell(args[1:])
	default:
		return fmt.Errorf("unknown cluster command: %s", args[0])
	}
}

func clusterList(args []string) error {
	fs := flag.NewFlagSet("cluster list", flag.ExitOnError)
	_ = fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	clusters, err := client.ListClusters(ctx, token)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROVIDER\tEXPIRES")
	for _, c := range clusters {
		expires := time.Until(c.LeaseExpiresAt).Round(time.Minute)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Status, c.Provider, formatRemaining(expires))
	}
	return w.Flush()
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	return "in " + d.String()
}

// singleArg parses fs and returns its one positional argument.
func singleArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	_ = fs.Parse(args)
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", fmt.Errorf("usage: lab %s <%s>", fs.Name(), what)
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func clusterCreate(args []string) error {
	fs := flag.NewFlagSet("cluster create", flag.ExitOnError)
	providerName := fs.String("provider", "", "Cluster provider (kind|k3d)")
	ttl := fs.Int("ttl", 0, "Lease length in hours (server default when 0)")
	teamID := fs.String("team", "", "Team identifier for a shared cluster")
	wait := fs.Bool("wait", false, "Wait until the cluster leaves PROVISIONING")
	name, err := singleArg(fs, args, "name")
	if err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cluster, err := client.CreateCluster(ctx, token, apiclient.CreateClusterInput{
		Name:     name,
		Provider: *providerName,
		TTLHours: *ttl,
		TeamID:   *teamID,
	})
	if err != nil {
		return err
	}
	fmt.Printf("cluster %s (%s) %s, lease ends %s\n", cluster.Name, cluster.ID, cluster.Status, cluster.LeaseExpiresAt.Local().Format(time.RFC1123))
	if !*wait {
		return nil
	}
	return waitForCluster(client, token, cluster.ID)
}

// waitForCluster follows the status stream until the cluster settles.
func waitForCluster(client *apiclient.Client, token, id string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.WatchEvents(ctx, token)
	if err != nil {
		return err
	}
	defer stream.Close()
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	// the cluster may have settled before the stream was registered
	if current, err := client.GetCluster(ctx, token, id); err == nil && current.Status != "PROVISIONING" {
		return reportSettled(current.Status)
	}
	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if event.RecordID != id || event.Status == "PROVISIONING" {
			continue
		}
		return reportSettled(event.Status)
	}
}

func reportSettled(status string) error {
	fmt.Printf("cluster is %s\n", status)
	if status == "ERROR" {
		return errors.New("provisioning failed")
	}
	return nil
}

func clusterDelete(args []string) error {
	fs := flag.NewFlagSet("cluster delete", flag.ExitOnError)
	id, err := singleArg(fs, args, "cluster-id")
	if err != nil {
		return err
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	cluster, err := client.DeleteCluster(ctx, token, id)
	if err != nil {
		return err
	}
	fmt.Printf("cluster %s is %s\n", cluster.Name, cluster.Status)
	return nil
}

func clusterKubeconfig(args []string) error {
	fs := flag.NewFlagSet("cluster kubeconfig", flag.ExitOnError)
	output := fs.StringP("output", "o", "", "Write to file instead of stdout")
	id, err := singleArg(fs, args, "cluster-id")
	if err != nil {
		return err
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	kubeconfig, err := client.Kubeconfig(ctx, token, id)
	if err != nil {
		return err
	}
	if *output == "" {
		_, err = fmt.Print(kubeconfig)
		return err
	}
	if err := os.WriteFile(*output, []byte(kubeconfig), 0o600); err != nil {
		return err
	}
	fmt.Printf("kubeconfig written to %s\n", *output)
	return nil
}

func commandTeam(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: lab team [list|create|add-member]")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch args[0] {
	case "list", "ls":
		teams, err := client.ListTeams(ctx, token)
		if err != nil {
			return err
		}
		for _, t := range teams {
			fmt.Printf("%s\t%s\n", t.ID, t.Name)
		}
		return nil
	case "create":
		fs := flag.NewFlagSet("team create", flag.ExitOnError)
		name, err := singleArg(fs, args[1:], "name")
		if err != nil {
			return err
		}
		team, err := client.CreateTeam(ctx, token, name)
		if err != nil {
			return err
		}
		fmt.Printf("team created: %s (%s)\n", team.ID, team.Name)
		return nil
	case "add-member":
		fs := flag.NewFlagSet("team add-member", flag.ExitOnError)
		email := fs.String("email", "", "Email of the account to add")
		role := fs.String("role", "member", "Role (member|admin)")
		teamID, err := singleArg(fs, args[1:], "team-id")
		if err != nil {
			return err
		}
		if strings.TrimSpace(*email) == "" {
			return errors.New("--email is required")
		}
		member, err := client.AddTeamMember(ctx, token, teamID, *email, *role)
		if err != nil {
			return err
		}
		fmt.Printf("added %s as %s\n", member.UserID, member.Role)
		return nil
	default:
		return fmt.Errorf("unknown team command: %s", args[0])
	}
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	_ = fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.WatchEvents(ctx, token)
	if err != nil {
		return err
	}
	defer stream.Close()
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	fmt.Fprintln(os.Stderr, "watching cluster status, press Ctrl-C to stop")
	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || apiclient.IsClosed(err) {
				return nil
			}
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), event.RecordID, event.Status)
	}
}

func printUsage() {
	fmt.Printf("lab CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	lab register --email user@example.com [--password secret] [--api http://localhost:8000]
	lab login --email user@example.com [--password secret] [--api http://localhost:8000]
	lab cluster list
	lab cluster create <name> [--provider kind|k3d] [--ttl hours] [--team team-id] [--wait]
	lab cluster delete <cluster-id>
	lab cluster kubeconfig <cluster-id> [-o file]
	lab cluster shell <cluster-id>
	lab team list
	lab team create <name>
	lab team add-member <team-id> --email user@example.com [--role member|admin]
	lab watch
	lab version
`)
}
