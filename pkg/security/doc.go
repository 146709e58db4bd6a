// Package security provides validation, sanitization, and limits for work units.
//
// This package includes:
//   - Input validation for work kinds, resource classes, and payload sizes
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retries and slot counts
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/benchwork/benchwork
// which re-exports these functions.
package security
