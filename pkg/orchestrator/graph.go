package orchestrator

import "github.com/agentbus/agentbus/pkg/models"

// The pipeline graph. Linear except for the documentation/support fan-out
// after security_review; waiting_for_approval is the HITL gate and has no
// task of its own.
var nextStage = map[models.Stage]models.Stage{
	models.StageInitialization:     models.StagePRDGeneration,
	models.StagePRDGeneration:      models.StageWaitingForApproval,
	models.StageWaitingForApproval: models.StagePlanGeneration,
	models.StagePlanGeneration:     models.StageArchitectureDesign,
	models.StageArchitectureDesign: models.StageUIUXDesign,
	models.StageUIUXDesign:         models.StageDevelopment,
	models.StageDevelopment:        models.StageQATesting,
	models.StageQATesting:          models.StageSecurityReview,
	models.StageSecurityReview:     models.StageDocumentation,
	models.StageDocumentation:      models.StagePMReview,
	models.StageSupportDocs:        models.StagePMReview,
	models.StagePMReview:           models.StageDelivery,
	models.StageDelivery:           models.StageCompleted,
}

// fanOutStages are enqueued together once security_review succeeds.
var fanOutStages = []models.Stage{models.StageDocumentation, models.StageSupportDocs}

// fanOutSibling maps each fan-out branch to the branch it must wait for.
var fanOutSibling = map[models.Stage]models.Stage{
	models.StageDocumentation: models.StageSupportDocs,
	models.StageSupportDocs:   models.StageDocumentation,
}

// stageAgentKind maps each task-bearing stage to its agent.
var stageAgentKind = map[models.Stage]models.AgentKind{
	models.StagePRDGeneration:      models.AgentKindPRD,
	models.StagePlanGeneration:     models.AgentKindPlan,
	models.StageArchitectureDesign: models.AgentKindArchitect,
	models.StageUIUXDesign:         models.AgentKindUIUX,
	models.StageDevelopment:        models.AgentKindDeveloper,
	models.StageQATesting:          models.AgentKindQA,
	models.StageSecurityReview:     models.AgentKindSecurity,
	models.StageDocumentation:      models.AgentKindDocumentation,
	models.StageSupportDocs:        models.AgentKindSupport,
	models.StagePMReview:           models.AgentKindPMReview,
	models.StageDelivery:           models.AgentKindDelivery,
}

// AgentKindForStage returns the agent kind executing the given stage, or ""
// for stages without a task (initialization, gate, completed).
func AgentKindForStage(stage models.Stage) models.AgentKind {
	return stageAgentKind[stage]
}
