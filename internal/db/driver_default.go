//go:build !libsql

package db

const libsqlAvailable = false
