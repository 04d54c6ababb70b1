// Package web3 houses blockchain connectivity: chain metadata loaded from
// chain.yaml, signer abstractions, and the EVM client used for nonces,
// balances, on-chain fee tiers and broadcasting.
package web3
