// Package client is the AgentVault Go SDK.
//
// It wraps the vault's HTTP API: registering agents, signing and verifying
// personas, anonymous commitment checks, and the anti-drift health-ping loop.
//
// # Connecting as an existing agent (most common case)
//
// After running 'avctl register', your credentials live in
// ~/.agentvault/credentials/<agent-id>/. Load them in one call:
//
//	c, err := client.NewFromCredentialsDir(
//	    "https://vault.example.com",
//	    os.ExpandEnv("$HOME/.agentvault/credentials/agent-a1b2c3d4"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Registering a new agent programmatically
//
//	res, _ := c.RegisterAgent(ctx, client.RegisterAgentRequest{
//	    Name:       "Acme Billing Bot",
//	    OwnerEmail: "ops@example.com",
//	})
//	// Store res.APIKey securely. The vault keeps only its hash.
//
// The returned key is retained on the client, so subsequent authenticated
// calls (persona updates, health pings) work without reconfiguration.
//
// # Persona round trip
//
//	_, _ = c.CreatePersona(ctx, res.AgentID, personaDoc)
//	out, _ := c.VerifyPersona(ctx, res.AgentID)
//	fmt.Println(out.Valid)
//
// GetPersona honors ETags: with WithPersonaCacheTTL set, unchanged personas
// are served from the local cache after a 304 from the vault.
//
// # Health pings
//
// SendHealthPing signs the request body with the agent's API key
// (X-Ping-Signature), so the vault can reject spoofed pings:
//
//	res, _ := c.SendHealthPing(ctx, res.AgentID, client.HealthPingRequest{
//	    Metrics: map[string]float64{"error_rate": 0.02},
//	})
//	fmt.Println(res.Status, res.DriftScore)
//
// # Anonymous verification
//
// Commitments let a relying party check that an agent is in good standing
// without learning which agent it is:
//
//	reg, _ := c.RegisterCommitment(ctx, 3600)
//	// hand reg.Commitment + the preimage hash to the relying party
//	out, _ := c.VerifyCommitmentHash(ctx, reg.Commitment, preimageHash)
package client
