package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRegisterParty = mcp.NewTool("register_party",
	mcp.WithDescription(
		"Register one party's wallet RPC endpoint for a 2-of-3 multisig escrow. "+
			"All three roles (buyer, vendor, arbiter) must register before the handshake can run. "+
			"Endpoints must be loopback URLs; the coordinator never accepts remote wallets."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier assigned by the marketplace (e.g. 'order-1f3a')")),
	mcp.WithString("role",
		mcp.Required(),
		mcp.Description("The party's role in the escrow"),
		mcp.Enum("buyer", "vendor", "arbiter")),
	mcp.WithString("endpoint",
		mcp.Required(),
		mcp.Description("The party's wallet RPC endpoint (e.g. 'http://127.0.0.1:18082')")),
)

var ToolCoordinateHandshake = mcp.NewTool("coordinate_handshake",
	mcp.WithDescription(
		"Run the multisig establishment handshake for an escrow whose three parties "+
			"have all registered. Drives prepare, make, and key-exchange rounds across "+
			"the three wallets and returns the shared multisig address. "+
			"Safe to call again after a transient failure; an escrow that is already "+
			"set up reports its existing address."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Get the current coordination state of an escrow: which parties have registered, "+
			"the handshake state, the multisig address once established, and the last "+
			"synced balance."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Sync and return the escrow's multisig wallet balance. Exchanges partial key "+
			"images between all three wallets so the reported balance is current. "+
			"Requires an established multisig (handshake complete)."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier")),
)

var ToolInitiateRelease = mcp.NewTool("initiate_release",
	mcp.WithDescription(
		"Release escrowed funds to a destination address. Requires authorization from "+
			"at least 2 of the 3 parties; their wallets co-sign the transaction and the "+
			"coordinator broadcasts it. Typical pairs: buyer+vendor (normal completion), "+
			"vendor+arbiter (dispute resolved for vendor), buyer+arbiter (refund)."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier")),
	mcp.WithString("authorized_by",
		mcp.Required(),
		mcp.Description("Comma-separated roles authorizing the release (e.g. 'buyer,vendor')")),
	mcp.WithString("destination_address",
		mcp.Required(),
		mcp.Description("The address receiving the released funds")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount to release, in atomic units")),
)

var ToolAbortEscrow = mcp.NewTool("abort_escrow",
	mcp.WithDescription(
		"Abort an in-progress escrow coordination. The record is marked failed and "+
			"cannot be resumed; parties must start over with a new escrow. "+
			"Has no effect on escrows that already released funds."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow identifier")),
	mcp.WithString("reason",
		mcp.Description("Why the coordination is being abandoned")),
)
