package kit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgs(t *testing.T) {
	assert.Equal(t, []string{"./repo.sh", "build"}, BuildArgs("./repo.sh"))
	assert.Equal(t,
		[]string{"./repo.sh", "build", "--config", "my_app.kit"},
		BuildConfigArgs("./repo.sh", "my_app.kit"))
}

func TestLaunchArgs(t *testing.T) {
	assert.Equal(t, []string{"./repo.sh", "launch"}, LaunchArgs("./repo.sh", ""))
	assert.Equal(t,
		[]string{"./repo.sh", "launch", "--name", "my_app.kit"},
		LaunchArgs("./repo.sh", "my_app.kit"))
}
