package storage

// Compile-time check that MVCCStorage implements the full ledger interface
var _ Ledger = (*MVCCStorage)(nil)
