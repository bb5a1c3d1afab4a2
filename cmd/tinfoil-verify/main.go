// Copyright 2025 Tinfoil Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// tinfoil-verify runs the full verification pipeline against a live enclave
// and prints the step-by-step verification document.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	tinfoil "github.com/tinfoilsh/tinfoil-go"
)

var (
	repo    = flag.String("r", tinfoil.DefaultConfigRepo, "config repo")
	enclave = flag.String("e", "", "enclave URL (https://...)")
	atcURL  = flag.String("b", "", "attestation bundle (ATC) base URL")
)

func main() {
	flag.Parse()

	opts := []tinfoil.Option{tinfoil.WithConfigRepo(*repo)}
	if *enclave != "" {
		opts = append(opts, tinfoil.WithEnclaveURL(*enclave))
	}
	if *atcURL != "" {
		opts = append(opts, tinfoil.WithAttestationBundleURL(*atcURL))
	}

	client, err := tinfoil.NewSecureClient(opts...)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Println("Running attestation pass")
	readyErr := client.Ready(context.Background())

	doc := client.VerificationDocument()
	if doc != nil {
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			log.Fatalf("could not render verification document: %v", err)
		}
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
	}

	if readyErr != nil {
		log.Fatalf("verification failed: %v", readyErr)
	}

	log.WithFields(log.Fields{
		"enclave_url": client.EnclaveURL(),
		"base_url":    client.BaseURL(),
	}).Println("Verified remote attestation")
}
