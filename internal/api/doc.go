// Package api exposes the intake pipeline over HTTP.
package api
