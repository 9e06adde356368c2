package core

// Version is the agent version reported in telemetry scopes and resources.
const Version = "1.0.0"
