// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// # Key Layout
//
// All keys share a configurable prefix (default "idp:"):
//
//	{prefix}key:{kid}       signing key row (JSON, no TTL)
//	{prefix}key:active      kid of the current active signing key
//	{prefix}key:grace       ZSET of grace kids scored by activation time
//	{prefix}code:{code}     authorization code row (JSON, TTL = code lifetime)
//	{prefix}refresh:{id}    refresh token row (JSON, TTL = expiry + retention)
//	{prefix}family:{id}     LIST of refresh token ids in issuance order
//	{prefix}client:{id}     client registration row (JSON, no TTL)
//
// # Atomicity
//
// The security-critical operations (authorization code redemption, refresh
// token rotation, family revocation, signing key rotation) run as Lua
// scripts so the check and the mutation execute as one step on the server. Concurrent redemptions of
// the same code or rotations of the same token id resolve to exactly one
// winner; the losers receive the terminal-state sentinel.
//
// The signing key rotation and family revocation scripts derive row keys
// inside Lua, which requires all keys under one prefix to hash to the same
// node. This backend targets single-node or prefix-tagged deployments.
package valkey
