package main

import (
	"fmt"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Manage reverse proxy routes",
}

var routeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a route to a server",
	RunE:  runRouteAdd,
}

var routeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routes",
	RunE:  runRouteList,
}

var routeRmCmd = &cobra.Command{
	Use:   "rm [route-id]",
	Short: "Remove a route",
	Args:  cobra.ExactArgs(1),
	RunE:  runRouteRm,
}

var routeScriptCmd = &cobra.Command{
	Use:   "script [route-id]",
	Short: "Print the rendered config and install script",
	Args:  cobra.ExactArgs(1),
	RunE:  runRouteScript,
}

var routeApplyCmd = &cobra.Command{
	Use:   "apply [route-id]",
	Short: "Install the route on its server through the runner",
	Args:  cobra.ExactArgs(1),
	RunE:  runRouteApply,
}

var (
	routeServer   string
	routeDomain   string
	routeUpstream string
	routeRoot     string
	routeKind     string
	routeTLS      bool
	routeEmail    string
	routeWatch    bool
)

func init() {
	routeCmd.AddCommand(routeAddCmd, routeListCmd, routeRmCmd, routeScriptCmd, routeApplyCmd)

	f := routeAddCmd.Flags()
	f.StringVar(&routeServer, "server", "", "Server ID (required)")
	f.StringVar(&routeDomain, "domain", "", "Domain (required)")
	f.StringVar(&routeUpstream, "upstream", "", "Upstream as host:port")
	f.StringVar(&routeRoot, "root", "", "Static root directory")
	f.StringVar(&routeKind, "kind", string(models.RouteNginx), "Proxy kind: nginx or caddy")
	f.BoolVar(&routeTLS, "tls", false, "Request a certificate with certbot")
	f.StringVar(&routeEmail, "email", "", "Contact email for certificates")
	routeAddCmd.MarkFlagRequired("server")
	routeAddCmd.MarkFlagRequired("domain")

	routeListCmd.Flags().StringVar(&routeServer, "server", "", "Only routes of this server")
	routeApplyCmd.Flags().BoolVar(&routeWatch, "watch", false, "Watch the install order until it finishes")
}

func runRouteAdd(cmd *cobra.Command, args []string) error {
	r, err := newClient().CreateRoute(cmd.Context(), models.Route{
		ServerID: routeServer,
		Domain:   routeDomain,
		Upstream: routeUpstream,
		Root:     routeRoot,
		Kind:     models.RouteKind(routeKind),
		TLS:      routeTLS,
		Email:    routeEmail,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created route: %s (%s)\n", r.ID, r.Domain)
	return nil
}

func runRouteList(cmd *cobra.Command, args []string) error {
	routes, err := newClient().ListRoutes(cmd.Context(), routeServer)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(routes)
	}
	if len(routes) == 0 {
		fmt.Println("No routes found")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tDOMAIN\tTARGET\tKIND\tTLS\tSERVER")
	for _, r := range routes {
		target := r.Upstream
		if target == "" {
			target = r.Root
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", truncateID(r.ID), r.Domain, target, r.Kind, r.TLS, truncateID(r.ServerID))
	}
	return w.Flush()
}

func runRouteRm(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteRoute(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed route %s\n", args[0])
	return nil
}

func runRouteScript(cmd *cobra.Command, args []string) error {
	s, err := newClient().GetRouteScript(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Printf("# %s\n%s\n", s.ConfigPath, s.Config)
	fmt.Println(s.Script)
	return nil
}

func runRouteApply(cmd *cobra.Command, args []string) error {
	o, err := newClient().ApplyRoute(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Submitted route install: %s\n", o.ID)
	if routeWatch {
		return watchOrder(cmd.Context(), o.ID)
	}
	return nil
}
