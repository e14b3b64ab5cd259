package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

func TestStatusForMapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidRequest, http.StatusBadRequest},
		{model.ErrStateTooLarge, http.StatusRequestEntityTooLarge},
		{model.ErrSessionNotFound, http.StatusNotFound},
		{model.ErrFileNotFound, http.StatusNotFound},
		{model.ErrPoolTimeout, http.StatusTooManyRequests},
		{model.ErrPoolDisabled, http.StatusConflict},
		{model.ErrRemoteAgent, http.StatusInternalServerError},
		{model.ErrInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestStatusForWrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("stage input foo.py: %w", model.ErrFileNotFound)
	require.Equal(t, http.StatusNotFound, statusFor(wrapped))
}

func TestExecJSONPreambleIsValidLeadingWhitespace(t *testing.T) {
	require.Equal(t, " ", execJSONPreamble)
}
