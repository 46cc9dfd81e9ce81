package browser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttributesExprQuotesArguments(t *testing.T) {
	t.Parallel()

	expr, err := attributesExpr(`a.learnItemBoxLink[href="x"]`, "href")
	require.NoError(t, err)
	require.Equal(t,
		`Array.from(document.querySelectorAll("a.learnItemBoxLink[href=\"x\"]"), el => el.getAttribute("href")).filter(v => v !== null)`,
		expr,
	)
}
