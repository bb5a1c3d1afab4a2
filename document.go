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

package tinfoil

import (
	"github.com/google/uuid"

	"github.com/tinfoilsh/tinfoil-go/attestation"
)

// StepStatus is the state of one verification step.
type StepStatus string

const (
	// StepPending means the step has not run yet.
	StepPending StepStatus = "pending"
	// StepSuccess means the step completed.
	StepSuccess StepStatus = "success"
	// StepFailed means the step failed and verification stopped.
	StepFailed StepStatus = "failed"
)

// Verification step names. verifyBundle runs them in the order
// fetchDigest, verifyEnclave, verifyCode, compareMeasurements,
// verifyCertificate.
const (
	StepFetchDigest         = "fetchDigest"
	StepVerifyCode          = "verifyCode"
	StepVerifyEnclave       = "verifyEnclave"
	StepCompareMeasurements = "compareMeasurements"
	StepVerifyCertificate   = "verifyCertificate"
)

// Step records the outcome of a single verification step.
type Step struct {
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// VerificationDocument is the audit record of one verification pass. It is
// populated on success and on failure, and remains queryable after the
// orchestrator returns. Once returned it is read-only.
type VerificationDocument struct {
	ID                     string                   `json:"id"`
	ConfigRepo             string                   `json:"configRepo"`
	EnclaveHost            string                   `json:"enclaveHost"`
	ReleaseDigest          string                   `json:"releaseDigest"`
	CodeMeasurement        *attestation.Measurement `json:"codeMeasurement,omitempty"`
	EnclaveMeasurement     *attestation.Measurement `json:"enclaveMeasurement,omitempty"`
	TLSPublicKey           string                   `json:"tlsPublicKey,omitempty"`
	HPKEPublicKey          string                   `json:"hpkePublicKey,omitempty"`
	CodeFingerprint        string                   `json:"codeFingerprint,omitempty"`
	EnclaveFingerprint     string                   `json:"enclaveFingerprint,omitempty"`
	SelectedRouterEndpoint string                   `json:"selectedRouterEndpoint,omitempty"`
	SecurityVerified       bool                     `json:"securityVerified"`
	Steps                  map[string]*Step         `json:"steps"`
}

// NewVerificationDocument returns a document with every step pending and
// security unverified.
func NewVerificationDocument(configRepo, enclaveHost string) *VerificationDocument {
	return &VerificationDocument{
		ID:          uuid.NewString(),
		ConfigRepo:  configRepo,
		EnclaveHost: enclaveHost,
		Steps: map[string]*Step{
			StepFetchDigest:         {Status: StepPending},
			StepVerifyCode:          {Status: StepPending},
			StepVerifyEnclave:       {Status: StepPending},
			StepCompareMeasurements: {Status: StepPending},
			StepVerifyCertificate:   {Status: StepPending},
		},
	}
}

func (d *VerificationDocument) stepSuccess(name string) {
	d.Steps[name] = &Step{Status: StepSuccess}
}

func (d *VerificationDocument) stepFailed(name string, err error) {
	d.Steps[name] = &Step{Status: StepFailed, Error: err.Error()}
}
