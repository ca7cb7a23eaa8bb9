// Package mcpservice holds the capability registry served by the relay: the
// tool catalog, argument validation and dispatch, plus the server identity
// reported during initialize.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=The message to echo back"`
//	}
//
//	echo := mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("Echo: " + r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echoes back the input message"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(echo),
//	)
//
// Dispatch validates arguments against the tool's input schema before the
// handler runs. Validation failures wrap ErrInvalidArguments; calls naming a
// tool that is not registered wrap ErrUnknownCapability. Both are meant to be
// reported to the client as invalid-params errors.
package mcpservice
