// Package llm 定义最终答案润色的协作接口。润色只在结果已经确定之后调用一次，
// 不参与规划或判定；未配置模型或调用失败时使用确定性的降级格式。
package llm
