// Package directory holds the clients for the external patient and
// department services the queue engine consults.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type PatientClient struct {
	baseURL string
	client  *http.Client
}

func NewPatientClient(baseURL string, timeout time.Duration) *PatientClient {
	return &PatientClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *PatientClient) PatientExists(ctx context.Context, patientID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/patients/"+url.PathEscape(patientID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("patient service status %d", resp.StatusCode)
	}
}

type DepartmentClient struct {
	baseURL string
	client  *http.Client
}

func NewDepartmentClient(baseURL string, timeout time.Duration) *DepartmentClient {
	return &DepartmentClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *DepartmentClient) IsDepartmentActive(ctx context.Context, departmentID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/departments/"+url.PathEscape(departmentID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("department service status %d", resp.StatusCode)
	}
	var payload struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, err
	}
	return payload.Active, nil
}

// AllowAll treats every patient and department as known and active. It backs
// deployments that run the queue engine without the collaborator services.
type AllowAll struct{}

func (AllowAll) PatientExists(ctx context.Context, patientID string) (bool, error) {
	return true, nil
}

func (AllowAll) IsDepartmentActive(ctx context.Context, departmentID string) (bool, error) {
	return true, nil
}
