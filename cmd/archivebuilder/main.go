package main

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/invigil/invigil/internal/archive"
)

var (
	logPath       = pflag.String("log-file", "events.jsonl", "collector JSONL log to package")
	uploadURL     = pflag.String("upload-url", "", "ingestion service base URL, e.g. https://invigil.example.edu")
	submissionID  = pflag.String("submission-id", "", "unique id for this submission")
	studentName   = pflag.String("student-name", "", "student identifier")
	assignmentID  = pflag.String("assignment-id", "", "Moodle assignment id")
	clientVersion = pflag.String("client-version", "0.1.0", "archive builder client version")
	outPath       = pflag.String("out", "", "write the built archive to this path instead of (or in addition to) uploading")
	ver           = pflag.BoolP("version", "V", false, "print version and exit")
)

const version = "invigil-archivebuilder 0.1.0"

func main() {
	pflag.Parse()
	if *ver {
		fmt.Println(version)
		return
	}
	if *studentName == "" || *assignmentID == "" || *submissionID == "" {
		fmt.Fprintln(os.Stderr, "submission-id, student-name, and assignment-id are required")
		os.Exit(1)
	}

	var buf bytes.Buffer
	if err := archive.Build(&buf, archive.BuildParams{
		AssignmentID:  *assignmentID,
		Username:      *studentName,
		ClientVersion: *clientVersion,
		LogPath:       *logPath,
		Now:           time.Now(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build archive: %v\n", err)
		os.Exit(1)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write archive: %v\n", err)
			os.Exit(1)
		}
	}

	if *uploadURL == "" {
		return
	}
	if err := upload(*uploadURL, buf.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to upload archive: %v\n", err)
		os.Exit(1)
	}
}

// upload posts the built archive to the ingestion service's log upload
// endpoint: a single multipart field named log_zip, with the submission's
// identifiers carried as query parameters. The server stores the body
// first and creates its Submission and Artifact rows together afterwards.
func upload(baseURL string, archiveBytes []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("log_zip", archive.ZipName(*logPath)+".zip")
	if err != nil {
		return err
	}
	if _, err := part.Write(archiveBytes); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("submission_id", *submissionID)
	q.Set("student_name", *studentName)
	q.Set("moodle_assignment_id", *assignmentID)
	q.Set("client_version", *clientVersion)

	reqURL := baseURL + "/api/v1/logs?" + q.Encode()
	req, err := http.NewRequest(http.MethodPost, reqURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingestion service returned %s", resp.Status)
	}
	return nil
}
