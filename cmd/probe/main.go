// Smoke probe for a running gateway: create a session, upload a small
// document, watch it to a terminal status, run one query, clean up.
// Usage:
//
//	go run ./cmd/probe -base http://localhost:3000/api -token <bearer> -kb <kb-name>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/fatih/color"
)

var (
	baseURL = flag.String("base", "http://localhost:3000/api", "gateway API base URL")
	token   = flag.String("token", "", "bearer token to pass through")
	kb      = flag.String("kb", "default", "knowledge base to query")
)

func prettyPrint(body []byte) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func sendRequest(method, url string, body interface{}) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, *baseURL+url, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*token)

	client := &http.Client{} // watch endpoint can block for minutes
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp, respBody, err
}

func uploadDocument(name string, content []byte) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, nil, err
	}
	writer.Close()

	req, err := http.NewRequest("POST", *baseURL+"/knowledge/v1/document", &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+*token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp, respBody, err
}

func extractID(body []byte) string {
	var envelope struct {
		Data struct {
			Id string `json:"id"`
		} `json:"data"`
	}
	json.Unmarshal(body, &envelope)
	return envelope.Data.Id
}

func fail(format string, args ...interface{}) {
	color.Red(format, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if *token == "" {
		fail("a -token is required")
	}

	color.Cyan("🚀 Knowledge gateway smoke probe\n")

	// 1. Create a session
	color.Yellow("\n[1] Create session")
	resp, body, err := sendRequest("POST", "/knowledge/v1/session", map[string]string{"name": "probe session"})
	if err != nil {
		fail("Failed: %v", err)
	}
	color.Green("Status: %s", resp.Status)
	prettyPrint(body)
	sessionID := extractID(body)
	if sessionID == "" {
		fail("no session id in response")
	}

	// 2. Upload a document
	color.Yellow("\n[2] Upload document")
	resp, body, err = uploadDocument("probe.txt", []byte("The gateway probe was here."))
	if err != nil {
		fail("Failed: %v", err)
	}
	color.Green("Status: %s", resp.Status)
	prettyPrint(body)
	documentID := extractID(body)
	if documentID == "" {
		fail("no document id in response")
	}

	// 3. Watch until terminal
	color.Yellow("\n[3] Watch document until terminal")
	resp, body, err = sendRequest("POST", "/knowledge/v1/document/"+documentID+"/watch", nil)
	if err != nil {
		fail("Failed: %v", err)
	}
	color.Green("Status: %s", resp.Status)
	prettyPrint(body)

	// 4. Run a non-streamed query
	color.Yellow("\n[4] Query")
	stream := false
	resp, body, err = sendRequest("POST", "/knowledge/v1/session/"+sessionID+"/query", map[string]interface{}{
		"question": "What did the probe leave behind?",
		"kb_list":  []string{*kb},
		"stream":   &stream,
	})
	if err != nil {
		fail("Failed: %v", err)
	}
	color.Green("Status: %s", resp.Status)
	prettyPrint(body)

	// 5. Clean up
	color.Yellow("\n[5] Delete document and session")
	if resp, body, err = sendRequest("DELETE", "/knowledge/v1/document/"+documentID, nil); err == nil {
		color.Green("Document delete: %s", resp.Status)
	}
	if resp, body, err = sendRequest("DELETE", "/knowledge/v1/session/"+sessionID, nil); err == nil {
		color.Green("Session delete: %s", resp.Status)
	}

	color.Cyan("\n✅ Probe finished")
}
