package kubernetes

// K8sConfig holds the cluster settings for coordination and dispatch.
type K8sConfig struct {
	Name         string `json:"name"` // Name of this foreman instance
	Namespace    string `json:"namespace"`
	LeaderLockID string `json:"leaderLockId"`
	Identity     string `json:"identity"`
	KubeConfig   string `json:"kubeConfig,omitempty"`
	Context      string `json:"context,omitempty"`
}
