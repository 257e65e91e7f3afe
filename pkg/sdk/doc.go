/*
Package sdk is the client library for submitting TAG files to a sitegrid
daemon, for example from a machine gateway or a file drop watcher.

	client, err := sdk.New(sdk.ClientConfig{Endpoint: "http://localhost:8080"})
	if err != nil {
	    log.Fatal(err)
	}
	report, err := client.SubmitFile(ctx, project, "/var/spool/tag/0001.tag")

Requests that fail with a network error or a 5xx status are retried with
exponential backoff. A 4xx status is returned at once as an *APIError; use
errors.As to inspect it:

	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
	    // the daemon rejected the file's contents
	}
*/
package sdk
