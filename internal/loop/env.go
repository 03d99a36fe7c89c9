package loop

import "github.com/tOgg1/forge/internal/models"

// seedLoopEnv returns a copy of profile with FORGE_LOOP_ID and FORGE_LOOP_NAME
// always reflecting the current loop, and FMAIL_AGENT/SV_REPO/SV_ACTOR filled
// in only when the profile doesn't already set them explicitly.
func seedLoopEnv(profile models.Profile, loop *models.Loop) models.Profile {
	env := make(map[string]string, len(profile.Env)+5)
	for k, v := range profile.Env {
		env[k] = v
	}

	env["FORGE_LOOP_ID"] = loop.ID
	env["FORGE_LOOP_NAME"] = loop.Name

	if _, ok := env["FMAIL_AGENT"]; !ok {
		env["FMAIL_AGENT"] = loop.Name
	}
	if _, ok := env["SV_REPO"]; !ok {
		env["SV_REPO"] = loop.RepoPath
	}
	if _, ok := env["SV_ACTOR"]; !ok {
		env["SV_ACTOR"] = env["FMAIL_AGENT"]
	}

	profile.Env = env
	return profile
}
