// Package fleet documents the wire contract in fleet.proto: the FleetIngest
// (fleet-agent) and ChainScanner services consumed by internal/ingestgrpc.
//
// internal/ingestpb's message and service types are maintained by hand
// rather than generated by protoc — see internal/ingestpb's package doc for
// why — so this file records the schema `fleet.proto` describes and the
// regeneration path a future move to real protoc-gen-go output would use:
//
// Via go generate (run from the repository root):
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=../internal/ingestpb --go_opt=paths=source_relative --go-grpc_out=../internal/ingestpb --go-grpc_opt=paths=source_relative fleet.proto
package fleet
